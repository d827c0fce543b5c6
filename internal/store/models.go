package store

import "time"

type User struct {
	ID             string
	Email          string
	Username       string
	PasswordHash   string
	AvatarURL      string
	OnboardingSeen bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MapSummary is the dashboard view of a map: metadata plus a node count,
// without the document blob.
type MapSummary struct {
	ID          string
	Name        string
	Description string
	OwnerID     string
	Version     int64
	NodeCount   int
	LastEdited  time.Time
}

type Participant struct {
	MapID     string
	UserID    string
	Role      string
	Username  string
	AvatarURL string
	JoinedAt  time.Time
}

const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
)
