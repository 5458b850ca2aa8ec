package db

import (
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
)

func newTestMigrator(files fstest.MapFS) *Migrator {
	return NewMigrator(nil, files, zerolog.Nop())
}

func TestLoad_SortsByVersion(t *testing.T) {
	m := newTestMigrator(fstest.MapFS{
		"010_tables.sql": {Data: []byte("SELECT 10;")},
		"002_second.sql": {Data: []byte("SELECT 2;")},
		"001_first.sql":  {Data: []byte("SELECT 1;")},
	})

	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []int{1, 2, 10}
	if len(migrations) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(migrations))
	}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoad_SkipsInvalidNames(t *testing.T) {
	m := newTestMigrator(fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
	})

	migrations, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 valid migrations, got %d", len(migrations))
	}
}

func TestLoad_DuplicateVersion(t *testing.T) {
	m := newTestMigrator(fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	})
	if _, err := m.Load(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestPendingAndStatus(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_chat_session.sql"},
		{Version: 2, Name: "002_indexes.sql"},
	}
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	pending := Pending(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("expected only version 2 pending, got %+v", pending)
	}

	statuses := BuildStatus(migrations, applied)
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected migration 1 applied at %s, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected migration 2 pending, got %+v", statuses[1])
	}
}
