package sync

import "time"

// PresenceEntry is one online user in a map's roster.
type PresenceEntry struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}

// CursorPoint is an ephemeral cursor position in map coordinates.
type CursorPoint struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

var presencePalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324",
}

// ColorFromID deterministically assigns a palette color to a user id, so
// every participant computes the same color for the same user.
func ColorFromID(id string) string {
	var h uint32
	for _, r := range id {
		h = h*31 + uint32(r)
	}
	return presencePalette[h%uint32(len(presencePalette))]
}
