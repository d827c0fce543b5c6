package search

import (
	"context"

	"mindmesh/api/internal/logger"
	"mindmesh/api/internal/mapdoc"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		logger.Sugar.Warnf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		logger.Sugar.Errorf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMap indexes a map, fire and forget.
func (s *Service) IndexMap(doc *mapdoc.Document, ownerID string, participantIDs []string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := RecordFromDocument(doc, ownerID, participantIDs)
	go func() {
		if err := s.meili.IndexMap(rec); err != nil {
			logger.Sugar.Warnf("search: index map %s: %v", rec.ID, err)
		}
	}()
}

// DeleteMap removes a map from the search index, fire and forget.
func (s *Service) DeleteMap(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMap(id); err != nil {
			logger.Sugar.Warnf("search: delete map %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reads all maps from PostgreSQL and pushes them to
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		logger.Sugar.Errorf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMaps(records); err != nil {
		logger.Sugar.Errorf("search: reindex maps: %v", err)
	}
}

// RecordFromDocument flattens a map document into its index record.
func RecordFromDocument(doc *mapdoc.Document, ownerID string, participantIDs []string) MapRecord {
	titles := make([]string, 0, len(doc.Nodes))
	for _, n := range doc.Nodes {
		if n.Title != "" {
			titles = append(titles, n.Title)
		}
	}
	return MapRecord{
		ID:             doc.ID,
		Name:           doc.Name,
		Description:    doc.Description,
		NodeTitles:     titles,
		OwnerID:        ownerID,
		ParticipantIDs: participantIDs,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
