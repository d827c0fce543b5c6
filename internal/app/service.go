package app

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"mindmesh/api/internal/auth"
	"mindmesh/api/internal/authpw"
	"mindmesh/api/internal/avatars"
	"mindmesh/api/internal/config"
	"mindmesh/api/internal/email"
	"mindmesh/api/internal/export"
	"mindmesh/api/internal/gitrepo"
	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/mapdoc"
	"mindmesh/api/internal/search"
	"mindmesh/api/internal/store"
	"mindmesh/api/internal/sync"
	"mindmesh/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UsernameTaken(ctx context.Context, username, excludeUserID string) (bool, error)
	UpdateProfile(ctx context.Context, userID string, username, avatarURL *string, onboardingSeen *bool) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	CreateMap(ctx context.Context, doc *mapdoc.Document, ownerID string) error
	GetMap(ctx context.Context, mapID string) (*mapdoc.Document, string, error)
	UpdateMap(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error)
	DeleteMap(ctx context.Context, mapID string) error
	ListMapsForUser(ctx context.Context, userID string) ([]store.MapSummary, error)
	VerifyMapName(ctx context.Context, mapID, name string) (bool, error)
	GetMapOwner(ctx context.Context, mapID string) (string, error)
	UpsertParticipant(ctx context.Context, mapID, userID, role string) error
	IsParticipant(ctx context.Context, mapID, userID string) (bool, error)
	ListParticipants(ctx context.Context, mapID string) ([]store.Participant, error)
}

// RefreshSessionStore holds refresh sessions. Redis when available,
// Postgres otherwise; both implement the same three calls.
type RefreshSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type gitService interface {
	EnsureMapRepo(mapID string, initial *mapdoc.Document, author string) error
	CommitSnapshot(mapID string, doc *mapdoc.Document, author, message string) (gitrepo.CommitInfo, error)
	SnapshotByHash(mapID, hash string) (*mapdoc.Document, error)
	History(mapID string, limit int) ([]gitrepo.CommitInfo, error)
	RemoveMapRepo(mapID string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RefreshSessionStore
	authpw   *authpw.Service
	mailer   *email.Service
	git      gitService
	rooms    *sync.Manager
	search   *search.Service
	avatars  *avatars.Store
	exporter *export.Service
}

type Options struct {
	Config   config.Config
	Store    dataStore
	Sessions RefreshSessionStore
	AuthPW   *authpw.Service
	Mailer   *email.Service
	Git      gitService
	Rooms    *sync.Manager
	Search   *search.Service
	Avatars  *avatars.Store
	Exporter *export.Service
}

func New(opts Options) *Service {
	return &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		sessions: opts.Sessions,
		authpw:   opts.AuthPW,
		mailer:   opts.Mailer,
		git:      opts.Git,
		rooms:    opts.Rooms,
		search:   opts.Search,
		avatars:  opts.Avatars,
		exporter: opts.Exporter,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignUp registers a new account and immediately signs it in.
func (s *Service) SignUp(ctx context.Context, email, password, username string) (Session, error) {
	user, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:    email,
		Password: password,
		Username: username,
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authpw.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// RequestPasswordReset always succeeds from the caller's point of view so
// the endpoint does not reveal which emails have accounts. Without SMTP
// configured the token is handed back for the dev bypass.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return token, nil
	}
	user, err := s.store.GetUserByEmail(ctx, strings.TrimSpace(strings.ToLower(emailAddr)))
	if err != nil {
		return "", nil
	}
	resetURL := strings.TrimRight(s.cfg.CORSOrigin, "/*") + "/reset-password?token=" + token
	go func() {
		if err := s.mailer.SendPasswordReset(user.Email, user.Username, resetURL); err != nil {
			logger.Sugar.Warnf("send reset mail to %s: %v", user.Email, err)
		}
	}()
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.authpw.ResetPassword(ctx, token, newPassword)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	stub, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The session record only carries the user id; read the full row so the
	// new token reflects a renamed user.
	user, err := s.store.GetUserByID(ctx, stub.ID)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Profile

func (s *Service) GetProfile(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return profilePayload(user), nil
}

type UpdateProfileInput struct {
	Username       *string `json:"username"`
	OnboardingSeen *bool   `json:"onboardingSeen"`
}

// UpdateProfile changes the mutable profile fields. A username change is
// rejected before any write when another user already holds the name.
func (s *Service) UpdateProfile(ctx context.Context, userID string, input UpdateProfileInput) (map[string]any, error) {
	if input.Username != nil {
		username := strings.TrimSpace(*input.Username)
		if username == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
		}
		taken, err := s.store.UsernameTaken(ctx, username, userID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, domainError(http.StatusConflict, "USERNAME_TAKEN", "Username already taken", nil)
		}
		input.Username = &username
	}
	if err := s.store.UpdateProfile(ctx, userID, input.Username, nil, input.OnboardingSeen); err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}

func (s *Service) UsernameAvailable(ctx context.Context, username, userID string) (bool, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return false, nil
	}
	taken, err := s.store.UsernameTaken(ctx, username, userID)
	if err != nil {
		return false, err
	}
	return !taken, nil
}

// SetAvatar stores the uploaded picture and records its URL on the profile.
func (s *Service) SetAvatar(ctx context.Context, userID string, reader io.Reader, size int64, contentType string) (map[string]any, error) {
	if s.avatars == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "Avatar storage not configured", nil)
	}
	url, err := s.avatars.Upload(ctx, userID, reader, size, contentType)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "UPLOAD_FAILED", err.Error(), nil)
	}
	if err := s.store.UpdateProfile(ctx, userID, nil, &url, nil); err != nil {
		return nil, err
	}
	return s.GetProfile(ctx, userID)
}

func profilePayload(user store.User) map[string]any {
	return map[string]any{
		"id":             user.ID,
		"email":          user.Email,
		"username":       user.Username,
		"avatarUrl":      user.AvatarURL,
		"onboardingSeen": user.OnboardingSeen,
	}
}

// Maps

func (s *Service) ListMaps(ctx context.Context, userID string) ([]map[string]any, error) {
	summaries, err := s.store.ListMapsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(summaries))
	for _, m := range summaries {
		items = append(items, map[string]any{
			"id":          m.ID,
			"name":        m.Name,
			"description": m.Description,
			"ownerId":     m.OwnerID,
			"version":     m.Version,
			"nodeCount":   m.NodeCount,
			"lastEdited":  m.LastEdited,
		})
	}
	return items, nil
}

func (s *Service) CreateMap(ctx context.Context, session Session, name, description string) (*mapdoc.Document, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	doc := mapdoc.New(mapdoc.NewMapID(), name, strings.TrimSpace(description))
	if err := s.store.CreateMap(ctx, doc, session.UserID); err != nil {
		return nil, err
	}

	if s.git != nil {
		if err := s.git.EnsureMapRepo(doc.ID, doc, session.Username); err != nil {
			logger.Sugar.Warnf("init history repo for map %s: %v", doc.ID, err)
		}
	}
	if s.search != nil {
		s.search.IndexMap(doc, session.UserID, []string{session.UserID})
	}
	return doc, nil
}

// GetMap returns the map state, preferring the live room when the map is
// open so readers see unflushed edits.
func (s *Service) GetMap(ctx context.Context, session Session, mapID string) (*mapdoc.Document, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	if s.rooms != nil {
		if room, ok := s.rooms.Peek(mapID); ok {
			return room.Document(), nil
		}
	}
	doc, _, err := s.store.GetMap(ctx, mapID)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

type UpdateMapInput struct {
	Doc   *mapdoc.Document
	Force bool
}

// UpdateMap writes the whole document. The version carried by the incoming
// document is the optimistic-concurrency token; a mismatch is a conflict
// unless the caller forces the write.
func (s *Service) UpdateMap(ctx context.Context, session Session, mapID string, input UpdateMapInput) (*mapdoc.Document, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	if input.Doc == nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "document payload required", nil)
	}

	doc := input.Doc.Clone()
	doc.ID = mapID
	doc.Normalize()
	doc.Touch()

	expected := doc.Version
	if input.Force {
		expected = -1
	}
	newVersion, err := s.store.UpdateMap(ctx, doc, expected)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return nil, domainError(http.StatusConflict, "VERSION_CONFLICT", "Map was modified by someone else", map[string]any{
				"expectedVersion": doc.Version,
			})
		}
		return nil, err
	}
	doc.Version = newVersion

	// Let any open room learn about the external write.
	if s.rooms != nil {
		if room, ok := s.rooms.Peek(mapID); ok {
			room.ApplyRemoteUpdate(doc)
		}
	}
	s.afterPersist(ctx, doc, session.Username)
	return doc, nil
}

// afterPersist refreshes history and search after a direct HTTP write.
func (s *Service) afterPersist(ctx context.Context, doc *mapdoc.Document, actor string) {
	if s.git != nil {
		if _, err := s.git.CommitSnapshot(doc.ID, doc, actor, "Update map"); err != nil {
			logger.Sugar.Warnf("history snapshot for map %s: %v", doc.ID, err)
		}
	}
	if s.search != nil {
		ownerID, participants := s.participantIDs(ctx, doc.ID)
		s.search.IndexMap(doc, ownerID, participants)
	}
}

// PersistHook adapts afterPersist for the sync rooms, which call it after
// every debounced write.
func (s *Service) PersistHook() sync.PersistHook {
	return func(doc *mapdoc.Document, version int64, actor string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.afterPersist(ctx, doc, actor)
	}
}

func (s *Service) participantIDs(ctx context.Context, mapID string) (string, []string) {
	ownerID, err := s.store.GetMapOwner(ctx, mapID)
	if err != nil {
		return "", nil
	}
	participants, err := s.store.ListParticipants(ctx, mapID)
	if err != nil {
		return ownerID, []string{ownerID}
	}
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.UserID)
	}
	return ownerID, ids
}

func (s *Service) DeleteMap(ctx context.Context, session Session, mapID string) error {
	ownerID, err := s.store.GetMapOwner(ctx, mapID)
	if err != nil {
		return err
	}
	if ownerID != session.UserID {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Only the owner can delete a map", nil)
	}
	if err := s.store.DeleteMap(ctx, mapID); err != nil {
		return err
	}
	if s.rooms != nil {
		s.rooms.Evict(mapID)
	}
	if s.git != nil {
		if err := s.git.RemoveMapRepo(mapID); err != nil {
			logger.Sugar.Warnf("remove history repo for map %s: %v", mapID, err)
		}
	}
	if s.search != nil {
		s.search.DeleteMap(mapID)
	}
	return nil
}

// JoinMap adds the user as an editor after they present the map's exact
// name, which doubles as a shared invite secret.
func (s *Service) JoinMap(ctx context.Context, session Session, mapID, name string) (map[string]any, error) {
	ok, err := s.store.VerifyMapName(ctx, mapID, strings.TrimSpace(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domainError(http.StatusForbidden, "JOIN_REJECTED", "Map id and name do not match", nil)
	}
	if err := s.store.UpsertParticipant(ctx, mapID, session.UserID, store.RoleEditor); err != nil {
		return nil, err
	}
	return map[string]any{"mapId": mapID, "role": store.RoleEditor}, nil
}

// Participants lists the map's members with a liveness flag fed from the
// open room's presence roster.
func (s *Service) Participants(ctx context.Context, session Session, mapID string) ([]map[string]any, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, mapID)
	if err != nil {
		return nil, err
	}

	online := map[string]bool{}
	if s.rooms != nil {
		if room, ok := s.rooms.Peek(mapID); ok {
			for _, entry := range room.Roster() {
				online[entry.UserID] = true
			}
		}
	}

	items := make([]map[string]any, 0, len(participants))
	for _, p := range participants {
		items = append(items, map[string]any{
			"userId":    p.UserID,
			"username":  p.Username,
			"avatarUrl": p.AvatarURL,
			"role":      p.Role,
			"joinedAt":  p.JoinedAt,
			"online":    online[p.UserID],
		})
	}
	return items, nil
}

func (s *Service) requireParticipant(ctx context.Context, mapID, userID string) error {
	ok, err := s.store.IsParticipant(ctx, mapID, userID)
	if err != nil {
		return err
	}
	if !ok {
		// Hide existence from non-members.
		if _, gerr := s.store.GetMapOwner(ctx, mapID); errors.Is(gerr, sql.ErrNoRows) {
			return gerr
		}
		return domainError(http.StatusForbidden, "FORBIDDEN", "Not a participant of this map", nil)
	}
	return nil
}

// CanJoinRealtime authorizes a websocket connection to a map.
func (s *Service) CanJoinRealtime(ctx context.Context, session Session, mapID string) error {
	return s.requireParticipant(ctx, mapID, session.UserID)
}

// History

func (s *Service) History(ctx context.Context, session Session, mapID string, limit int) ([]gitrepo.CommitInfo, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return s.git.History(mapID, limit)
}

func (s *Service) Snapshot(ctx context.Context, session Session, mapID, hash string) (*mapdoc.Document, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "History not available", nil)
	}
	return s.git.SnapshotByHash(mapID, hash)
}

// Export

func (s *Service) Export(ctx context.Context, session Session, mapID string, format export.Format) (*export.Result, error) {
	if err := s.requireParticipant(ctx, mapID, session.UserID); err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export not configured", nil)
	}
	return s.exporter.Export(ctx, export.Request{MapID: mapID, Format: format})
}

// Search

func (s *Service) SearchMaps(session Session, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(search.Query{
		Text:   text,
		UserID: session.UserID,
		Limit:  limit,
		Offset: offset,
	})
}
