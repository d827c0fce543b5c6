package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	stdsync "sync"
	"testing"
	"time"

	"mindmesh/api/internal/authpw"
	"mindmesh/api/internal/config"
	"mindmesh/api/internal/mapdoc"
	"mindmesh/api/internal/store"
)

type refreshRecord struct {
	userID    string
	expiresAt time.Time
}

type resetRecord struct {
	userID    string
	expiresAt time.Time
	used      bool
}

type mapRecord struct {
	doc     *mapdoc.Document
	ownerID string
}

// fakeStore is an in-memory stand-in for PostgresStore. It backs the app
// service, the refresh session store, and the password auth store so the
// full signup/signin/refresh flow runs without a database.
type fakeStore struct {
	mu           stdsync.Mutex
	users        map[string]store.User
	refresh      map[string]refreshRecord
	revoked      map[string]bool
	resets       map[string]resetRecord
	maps         map[string]*mapRecord
	participants map[string]map[string]store.Participant

	updateMapFn func(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        map[string]store.User{},
		refresh:      map[string]refreshRecord{},
		revoked:      map[string]bool{},
		resets:       map[string]resetRecord{},
		maps:         map[string]*mapRecord{},
		participants: map[string]map[string]store.Participant{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) UsernameTaken(_ context.Context, username, excludeUserID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Username == username && user.ID != excludeUserID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateProfile(_ context.Context, userID string, username, avatarURL *string, onboardingSeen *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	if username != nil {
		user.Username = *username
	}
	if avatarURL != nil {
		user.AvatarURL = *avatarURL
	}
	if onboardingSeen != nil {
		user.OnboardingSeen = *onboardingSeen
	}
	f.users[userID] = user
	return nil
}

func (f *fakeStore) UpdateUserPassword(_ context.Context, userID, passwordHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	f.users[userID] = user
	return nil
}

func (f *fakeStore) CreatePasswordReset(_ context.Context, userID, token string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets[token] = resetRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.resets[token]
	if !ok || rec.used || time.Now().After(rec.expiresAt) {
		return "", sql.ErrNoRows
	}
	return rec.userID, nil
}

func (f *fakeStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.resets[token]
	rec.used = true
	f.resets[token] = rec
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = refreshRecord{userID: userID, expiresAt: expiresAt}
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.refresh[tokenHash]
	if !ok || time.Now().After(rec.expiresAt) {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: rec.userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) CreateMap(_ context.Context, doc *mapdoc.Document, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc.Version = 1
	f.maps[doc.ID] = &mapRecord{doc: doc.Clone(), ownerID: ownerID}
	f.upsertParticipantLocked(doc.ID, ownerID, store.RoleOwner)
	return nil
}

func (f *fakeStore) GetMap(_ context.Context, mapID string) (*mapdoc.Document, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.maps[mapID]
	if !ok {
		return nil, "", sql.ErrNoRows
	}
	return rec.doc.Clone(), rec.ownerID, nil
}

func (f *fakeStore) UpdateMap(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error) {
	if f.updateMapFn != nil {
		return f.updateMapFn(ctx, doc, expectedVersion)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.maps[doc.ID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	if expectedVersion >= 0 && rec.doc.Version != expectedVersion {
		return 0, store.ErrVersionConflict
	}
	next := rec.doc.Version + 1
	stored := doc.Clone()
	stored.Version = next
	rec.doc = stored
	return next, nil
}

func (f *fakeStore) DeleteMap(_ context.Context, mapID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.maps, mapID)
	delete(f.participants, mapID)
	return nil
}

func (f *fakeStore) ListMapsForUser(_ context.Context, userID string) ([]store.MapSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.MapSummary
	for mapID, rec := range f.maps {
		if _, ok := f.participants[mapID][userID]; !ok {
			continue
		}
		items = append(items, store.MapSummary{
			ID:          rec.doc.ID,
			Name:        rec.doc.Name,
			Description: rec.doc.Description,
			OwnerID:     rec.ownerID,
			Version:     rec.doc.Version,
			NodeCount:   len(rec.doc.Nodes),
			LastEdited:  rec.doc.LastEdited,
		})
	}
	return items, nil
}

func (f *fakeStore) VerifyMapName(_ context.Context, mapID, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.maps[mapID]
	if !ok {
		return false, sql.ErrNoRows
	}
	return rec.doc.Name == name, nil
}

func (f *fakeStore) GetMapOwner(_ context.Context, mapID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.maps[mapID]
	if !ok {
		return "", sql.ErrNoRows
	}
	return rec.ownerID, nil
}

func (f *fakeStore) UpsertParticipant(_ context.Context, mapID, userID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertParticipantLocked(mapID, userID, role)
	return nil
}

func (f *fakeStore) upsertParticipantLocked(mapID, userID, role string) {
	if f.participants[mapID] == nil {
		f.participants[mapID] = map[string]store.Participant{}
	}
	username := ""
	if user, ok := f.users[userID]; ok {
		username = user.Username
	}
	f.participants[mapID][userID] = store.Participant{
		MapID:    mapID,
		UserID:   userID,
		Role:     role,
		Username: username,
		JoinedAt: time.Now(),
	}
}

func (f *fakeStore) IsParticipant(_ context.Context, mapID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.participants[mapID][userID]
	return ok, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, mapID string) ([]store.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.Participant
	for _, p := range f.participants[mapID] {
		items = append(items, p)
	}
	return items, nil
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		CORSOrigin: "*",
	}
	return New(Options{
		Config:   cfg,
		Store:    fs,
		Sessions: fs,
		AuthPW:   authpw.NewService(fs),
	})
}

func signUpUser(t *testing.T, svc *Service, email, username string) Session {
	t.Helper()
	session, err := svc.SignUp(context.Background(), email, "hunter2secret", username)
	if err != nil {
		t.Fatalf("sign up %s: %v", email, err)
	}
	return session
}

func TestSignUpThenSignInRoundTrip(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	created := signUpUser(t, svc, "ada@example.com", "ada")
	if created.Token == "" || created.RefreshToken == "" {
		t.Fatalf("expected tokens on signup, got %+v", created)
	}

	session, err := svc.SignIn(context.Background(), "Ada@Example.com", "hunter2secret")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if session.Username != "ada" {
		t.Fatalf("username = %q, want ada", session.Username)
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if parsed.UserID != created.UserID {
		t.Fatalf("user id = %q, want %q", parsed.UserID, created.UserID)
	}
}

func TestSignUpRejectsDuplicateUsername(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	signUpUser(t, svc, "first@example.com", "grace")
	_, err := svc.SignUp(context.Background(), "second@example.com", "hunter2secret", "grace")
	if !errors.Is(err, authpw.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
	// Nothing was written for the rejected account.
	if _, err := fs.GetUserByEmail(context.Background(), "second@example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("rejected signup left a user row")
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	session := signUpUser(t, svc, "ada@example.com", "ada")

	renewed, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if renewed.RefreshToken == session.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	// The consumed token no longer works.
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); err == nil {
		t.Fatalf("expected old refresh token to be rejected")
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	session := signUpUser(t, svc, "ada@example.com", "ada")
	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatalf("expected revoked token to be rejected")
	}
}

func TestUpdateProfileRejectsTakenUsername(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)

	signUpUser(t, svc, "ada@example.com", "ada")
	session := signUpUser(t, svc, "grace@example.com", "grace")

	taken := "ada"
	_, err := svc.UpdateProfile(context.Background(), session.UserID, UpdateProfileInput{Username: &taken})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "USERNAME_TAKEN" {
		t.Fatalf("expected USERNAME_TAKEN, got %v", err)
	}
	// Keeping your own name is not a conflict.
	own := "grace"
	if _, err := svc.UpdateProfile(context.Background(), session.UserID, UpdateProfileInput{Username: &own}); err != nil {
		t.Fatalf("update to own username: %v", err)
	}
}

func TestUpdateMapVersionConflictSurfaces(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	session := signUpUser(t, svc, "ada@example.com", "ada")

	doc, err := svc.CreateMap(context.Background(), session, "Biology", "")
	if err != nil {
		t.Fatalf("create map: %v", err)
	}

	// First write bumps the stored version past the stale copy.
	fresh := doc.Clone()
	if _, err := svc.UpdateMap(context.Background(), session, doc.ID, UpdateMapInput{Doc: fresh}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	stale := doc.Clone()
	_, err = svc.UpdateMap(context.Background(), session, doc.ID, UpdateMapInput{Doc: stale})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VERSION_CONFLICT" {
		t.Fatalf("expected VERSION_CONFLICT, got %v", err)
	}

	// Force overrides the guard.
	forced, err := svc.UpdateMap(context.Background(), session, doc.ID, UpdateMapInput{Doc: stale, Force: true})
	if err != nil {
		t.Fatalf("forced update: %v", err)
	}
	if forced.Version != 3 {
		t.Fatalf("version = %d, want 3", forced.Version)
	}
}

func TestDeleteMapIsOwnerOnly(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := signUpUser(t, svc, "ada@example.com", "ada")
	guest := signUpUser(t, svc, "grace@example.com", "grace")

	doc, err := svc.CreateMap(context.Background(), owner, "Biology", "")
	if err != nil {
		t.Fatalf("create map: %v", err)
	}
	if _, err := svc.JoinMap(context.Background(), guest, doc.ID, "Biology"); err != nil {
		t.Fatalf("join map: %v", err)
	}

	err = svc.DeleteMap(context.Background(), guest, doc.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden for non-owner delete, got %v", err)
	}
	if err := svc.DeleteMap(context.Background(), owner, doc.ID); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestJoinMapRequiresExactName(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := signUpUser(t, svc, "ada@example.com", "ada")
	guest := signUpUser(t, svc, "grace@example.com", "grace")

	doc, err := svc.CreateMap(context.Background(), owner, "Biology", "")
	if err != nil {
		t.Fatalf("create map: %v", err)
	}

	_, err = svc.JoinMap(context.Background(), guest, doc.ID, "biology")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "JOIN_REJECTED" {
		t.Fatalf("expected JOIN_REJECTED for wrong name, got %v", err)
	}

	if _, err := svc.JoinMap(context.Background(), guest, doc.ID, "Biology"); err != nil {
		t.Fatalf("join with exact name: %v", err)
	}
	ok, err := fs.IsParticipant(context.Background(), doc.ID, guest.UserID)
	if err != nil || !ok {
		t.Fatalf("guest not recorded as participant (ok=%v err=%v)", ok, err)
	}
}

func TestGetMapRequiresParticipation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	owner := signUpUser(t, svc, "ada@example.com", "ada")
	outsider := signUpUser(t, svc, "grace@example.com", "grace")

	doc, err := svc.CreateMap(context.Background(), owner, "Biology", "")
	if err != nil {
		t.Fatalf("create map: %v", err)
	}

	_, err = svc.GetMap(context.Background(), outsider, doc.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden for outsider, got %v", err)
	}
}

func TestResetPasswordFlow(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	signUpUser(t, svc, "ada@example.com", "ada")

	token, err := svc.authpw.RequestPasswordReset(context.Background(), "ada@example.com")
	if err != nil || token == "" {
		t.Fatalf("request reset: token=%q err=%v", token, err)
	}
	if err := svc.ResetPassword(context.Background(), token, "newsecret123"); err != nil {
		t.Fatalf("reset password: %v", err)
	}
	if _, err := svc.SignIn(context.Background(), "ada@example.com", "hunter2secret"); err == nil {
		t.Fatalf("old password still accepted")
	}
	if _, err := svc.SignIn(context.Background(), "ada@example.com", "newsecret123"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	// Tokens are single use.
	if err := svc.ResetPassword(context.Background(), token, "anothersecret"); err == nil {
		t.Fatalf("expected consumed token to be rejected")
	}
}
