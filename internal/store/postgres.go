package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mindmesh/api/internal/mapdoc"
)

// ErrVersionConflict is returned when a guarded write loses to a newer
// stored version. Resolution stays last-write-wins: the caller may re-read
// or force the write.
var ErrVersionConflict = errors.New("map version conflict")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users / profiles ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, username, password_hash, avatar_url, onboarding_seen)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.Username, user.PasswordHash, user.AvatarURL, user.OnboardingSeen)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, username, password_hash, COALESCE(avatar_url, ''), onboarding_seen, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Email, &user.Username, &user.PasswordHash,
		&user.AvatarURL, &user.OnboardingSeen, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, email))
}

// UsernameTaken reports whether another user already holds the name.
// Checked before every profile write; the unique index backs it up.
func (s *PostgresStore) UsernameTaken(ctx context.Context, username, excludeUserID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM users WHERE LOWER(username)=LOWER($1) AND id <> $2)
	`, username, excludeUserID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return taken, nil
}

// UpdateProfile applies the non-nil fields.
func (s *PostgresStore) UpdateProfile(ctx context.Context, userID string, username, avatarURL *string, onboardingSeen *bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			username = COALESCE($2, username),
			avatar_url = COALESCE($3, avatar_url),
			onboarding_seen = COALESCE($4, onboarding_seen),
			updated_at = NOW()
		WHERE id=$1
	`, userID, username, avatarURL, onboardingSeen)
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// ---- password resets ----

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// ---- refresh sessions (Postgres fallback when Redis is absent) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.email, u.username, u.password_hash, COALESCE(u.avatar_url, ''), u.onboarding_seen, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	return scanUser(s.db.QueryRowContext(ctx, query, tokenHash))
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- maps ----

// CreateMap inserts the map row and the owner's participant row in one
// transaction, matching the original create_map RPC.
func (s *PostgresStore) CreateMap(ctx context.Context, doc *mapdoc.Document, ownerID string) error {
	nodes, edges, notes, data, err := marshalDocument(doc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create map tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO maps (id, owner_id, name, description, nodes, edges, node_notes, node_data, version, last_edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, NOW())
	`, doc.ID, ownerID, doc.Name, doc.Description, nodes, edges, notes, data); err != nil {
		return fmt.Errorf("insert map: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO map_participants (map_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (map_id, user_id) DO NOTHING
	`, doc.ID, ownerID, RoleOwner); err != nil {
		return fmt.Errorf("insert owner participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create map: %w", err)
	}
	doc.Version = 1
	return nil
}

func (s *PostgresStore) GetMap(ctx context.Context, mapID string) (*mapdoc.Document, string, error) {
	var (
		doc        mapdoc.Document
		ownerID    string
		nodes      []byte
		edges      []byte
		notes      []byte
		data       []byte
		lastEdited time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, description, nodes, edges, node_notes, node_data, version, last_edited
		FROM maps WHERE id=$1
	`, mapID).Scan(&doc.ID, &ownerID, &doc.Name, &doc.Description, &nodes, &edges, &notes, &data, &doc.Version, &lastEdited)
	if err != nil {
		return nil, "", err
	}
	doc.LastEdited = lastEdited

	if err := json.Unmarshal(nodes, &doc.Nodes); err != nil {
		return nil, "", fmt.Errorf("decode nodes: %w", err)
	}
	if err := json.Unmarshal(edges, &doc.Edges); err != nil {
		return nil, "", fmt.Errorf("decode edges: %w", err)
	}
	if err := json.Unmarshal(notes, &doc.NodeNotes); err != nil {
		return nil, "", fmt.Errorf("decode node notes: %w", err)
	}
	if err := json.Unmarshal(data, &doc.NodeData); err != nil {
		return nil, "", fmt.Errorf("decode node data: %w", err)
	}
	doc.Normalize()
	return &doc, ownerID, nil
}

// UpdateMap overwrites the whole document. With expectedVersion >= 0 the
// write is guarded: a newer stored version yields ErrVersionConflict.
// expectedVersion < 0 forces last-write-wins. Returns the new version.
func (s *PostgresStore) UpdateMap(ctx context.Context, doc *mapdoc.Document, expectedVersion int64) (int64, error) {
	nodes, edges, notes, data, err := marshalDocument(doc)
	if err != nil {
		return 0, err
	}

	query := `
		UPDATE maps
		SET name=$2, description=$3, nodes=$4, edges=$5, node_notes=$6, node_data=$7,
			version=version+1, last_edited=NOW()
		WHERE id=$1
	`
	args := []any{doc.ID, doc.Name, doc.Description, nodes, edges, notes, data}
	if expectedVersion >= 0 {
		query += ` AND version=$8`
		args = append(args, expectedVersion)
	}
	query += ` RETURNING version`

	var version int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing row from a lost race.
		var exists bool
		if checkErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM maps WHERE id=$1)`, doc.ID).Scan(&exists); checkErr != nil {
			return 0, fmt.Errorf("check map exists: %w", checkErr)
		}
		if exists {
			return 0, ErrVersionConflict
		}
		return 0, sql.ErrNoRows
	}
	if err != nil {
		return 0, fmt.Errorf("update map: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) DeleteMap(ctx context.Context, mapID string) error {
	// Participants cascade via FK.
	_, err := s.db.ExecContext(ctx, `DELETE FROM maps WHERE id=$1`, mapID)
	if err != nil {
		return fmt.Errorf("delete map: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMapsForUser(ctx context.Context, userID string) ([]MapSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.name, m.description, m.owner_id, m.version,
			jsonb_array_length(m.nodes), m.last_edited
		FROM maps m
		JOIN map_participants p ON p.map_id = m.id
		WHERE p.user_id = $1
		ORDER BY m.last_edited DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list maps: %w", err)
	}
	defer rows.Close()

	items := make([]MapSummary, 0)
	for rows.Next() {
		var item MapSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.OwnerID,
			&item.Version, &item.NodeCount, &item.LastEdited); err != nil {
			return nil, fmt.Errorf("scan map summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maps: %w", err)
	}
	return items, nil
}

// VerifyMapName reports whether the map exists under exactly that name.
// Joining requires both the id and the matching name.
func (s *PostgresStore) VerifyMapName(ctx context.Context, mapID, name string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM maps WHERE id=$1 AND name=$2)`, mapID, name).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("verify map name: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) GetMapOwner(ctx context.Context, mapID string) (string, error) {
	var ownerID string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM maps WHERE id=$1`, mapID).Scan(&ownerID)
	if err != nil {
		return "", err
	}
	return ownerID, nil
}

// ---- participants ----

func (s *PostgresStore) UpsertParticipant(ctx context.Context, mapID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map_participants (map_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (map_id, user_id) DO NOTHING
	`, mapID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, mapID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM map_participants WHERE map_id=$1 AND user_id=$2)
	`, mapID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, mapID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.map_id, p.user_id, p.role, u.username, COALESCE(u.avatar_url, ''), p.joined_at
		FROM map_participants p
		JOIN users u ON u.id = p.user_id
		WHERE p.map_id = $1
		ORDER BY p.joined_at ASC
	`, mapID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.MapID, &item.UserID, &item.Role,
			&item.Username, &item.AvatarURL, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func marshalDocument(doc *mapdoc.Document) (nodes, edges, notes, data []byte, err error) {
	doc.Normalize()
	if nodes, err = json.Marshal(doc.Nodes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode nodes: %w", err)
	}
	if edges, err = json.Marshal(doc.Edges); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode edges: %w", err)
	}
	if notes, err = json.Marshal(doc.NodeNotes); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode node notes: %w", err)
	}
	if data, err = json.Marshal(doc.NodeData); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode node data: %w", err)
	}
	return nodes, edges, notes, data, nil
}
