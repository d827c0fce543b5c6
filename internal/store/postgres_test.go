package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"mindmesh/api/internal/mapdoc"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestUsernameTaken(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM users`).
		WithArgs("avery", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	taken, err := s.UsernameTaken(context.Background(), "avery", "user-2")
	if err != nil {
		t.Fatalf("UsernameTaken: %v", err)
	}
	if !taken {
		t.Fatalf("expected username to be taken")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestVerifyMapName(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM maps WHERE id=\$1 AND name=\$2\)`).
		WithArgs("map-1", "Biology 101").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	ok, err := s.VerifyMapName(context.Background(), "map-1", "Biology 101")
	if err != nil {
		t.Fatalf("VerifyMapName: %v", err)
	}
	if ok {
		t.Fatalf("expected name mismatch")
	}
}

func TestGetMapDecodesDocument(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "owner_id", "name", "description", "nodes", "edges", "node_notes", "node_data", "version", "last_edited",
	}).AddRow(
		"map-1", "user-1", "Biology", "cells",
		[]byte(`[{"id":"1","title":"Cell","position":{"x":10,"y":20}}]`),
		[]byte(`[{"id":"e1","source":"1","target":"2","dashed":true}]`),
		[]byte(`{"1":"a note"}`),
		[]byte(`{"1":{"link":"https://example.org"}}`),
		int64(4), now,
	)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_id, name, description, nodes, edges, node_notes, node_data, version, last_edited`)).
		WithArgs("map-1").
		WillReturnRows(rows)

	doc, ownerID, err := s.GetMap(context.Background(), "map-1")
	if err != nil {
		t.Fatalf("GetMap: %v", err)
	}
	if ownerID != "user-1" {
		t.Errorf("owner = %s", ownerID)
	}
	if doc.Version != 4 {
		t.Errorf("version = %d", doc.Version)
	}
	if len(doc.Nodes) != 1 || doc.Nodes[0].Position.X != 10 {
		t.Errorf("nodes not decoded: %+v", doc.Nodes)
	}
	if len(doc.Edges) != 1 || !doc.Edges[0].Dashed {
		t.Errorf("edges not decoded: %+v", doc.Edges)
	}
	if doc.NodeNotes["1"] != "a note" {
		t.Errorf("notes not decoded: %+v", doc.NodeNotes)
	}
	if doc.NodeData["1"].Link != "https://example.org" {
		t.Errorf("node data not decoded: %+v", doc.NodeData)
	}
}

func TestUpdateMapVersionConflict(t *testing.T) {
	s, mock := newMockStore(t)

	doc := mapdoc.New("map-1", "Biology", "")
	doc.Version = 3

	// Guarded write matches zero rows, then the row turns out to exist.
	mock.ExpectQuery(`UPDATE maps`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM maps WHERE id=\$1\)`).
		WithArgs("map-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := s.UpdateMap(context.Background(), doc, 3)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestUpdateMapForceReturnsNewVersion(t *testing.T) {
	s, mock := newMockStore(t)

	doc := mapdoc.New("map-1", "Biology", "")

	mock.ExpectQuery(`UPDATE maps`).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(7)))

	version, err := s.UpdateMap(context.Background(), doc, -1)
	if err != nil {
		t.Fatalf("UpdateMap: %v", err)
	}
	if version != 7 {
		t.Fatalf("version = %d, want 7", version)
	}
}
