package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The tsvector is built on the fly from the map name, description, and the
// node titles inside the nodes JSONB column.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const mapTextExpr = `m.name || ' ' || coalesce(m.description, '') || ' ' ||
	coalesce((SELECT string_agg(n->>'title', ' ') FROM jsonb_array_elements(m.nodes) n), '')`

// Search runs plainto_tsquery over the maps the user participates in,
// ranking with ts_rank and building snippets with ts_headline.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := fmt.Sprintf("to_tsvector('english', %s) @@ plainto_tsquery('english', $1)", mapTextExpr)
	args := []any{q.Text}
	if q.UserID != "" {
		where += ` AND EXISTS (
			SELECT 1 FROM map_participants mp
			WHERE mp.map_id = m.id AND mp.user_id = $2
		)`
		args = append(args, q.UserID)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM maps m WHERE %s", where)
	dataSQL := fmt.Sprintf(`
		SELECT m.id, m.name,
			ts_headline('english', coalesce(m.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			m.owner_id,
			ts_rank(to_tsvector('english', %s), plainto_tsquery('english', $1)) AS rank
		FROM maps m
		WHERE %s
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, mapTextExpr, where, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var rank float64
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet, &r.OwnerID, &rank); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all maps as index records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MapRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.name, coalesce(m.description, ''), m.nodes, m.owner_id,
			coalesce(array_agg(mp.user_id) FILTER (WHERE mp.user_id IS NOT NULL), '{}')
		FROM maps m
		LEFT JOIN map_participants mp ON mp.map_id = m.id
		GROUP BY m.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load maps: %w", err)
	}
	defer rows.Close()

	records := make([]MapRecord, 0)
	for rows.Next() {
		var rec MapRecord
		var nodesRaw []byte
		var participants []byte
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Description, &nodesRaw, &rec.OwnerID, &participants); err != nil {
			return nil, fmt.Errorf("scan map: %w", err)
		}
		rec.NodeTitles = nodeTitlesFromJSON(nodesRaw)
		rec.ParticipantIDs = parsePgTextArray(string(participants))
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate maps: %w", err)
	}
	return records, nil
}

func nodeTitlesFromJSON(raw []byte) []string {
	var nodes []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(raw, &nodes); err != nil {
		return nil
	}
	titles := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Title != "" {
			titles = append(titles, n.Title)
		}
	}
	return titles
}

// parsePgTextArray handles the simple {a,b,c} form returned by array_agg of
// user ids, which never contain commas or quotes.
func parsePgTextArray(s string) []string {
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
