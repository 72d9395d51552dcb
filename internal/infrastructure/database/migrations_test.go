package database

import (
	"context"
	"testing"
	"testing/fstest"
)

func testSource() Source {
	return Source{
		Dir: "sql",
		FS: fstest.MapFS{
			"sql/20260101_000000_create_widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY);")},
			"sql/20260101_000000_create_widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
			"sql/20260102_000000_add_gadgets.up.sql":      {Data: []byte("CREATE TABLE gadgets (id INTEGER PRIMARY KEY);")},
			"sql/README.md":                               {Data: []byte("not a migration")},
		},
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Migrate(ctx, testSource()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if !tableExists(t, db, "widgets") || !tableExists(t, db, "gadgets") {
		t.Fatal("expected widgets and gadgets tables")
	}

	applied, pending, err := db.MigrationStatus(ctx, testSource())
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(applied) != 2 || len(pending) != 0 {
		t.Errorf("applied=%d pending=%d, want 2 and 0", len(applied), len(pending))
	}

	// Re-running is a no-op.
	if err := db.Migrate(ctx, testSource()); err != nil {
		t.Errorf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	src := testSource()

	if err := db.Migrate(ctx, src); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Latest migration has no down file.
	if err := db.MigrateDown(ctx, src); err == nil {
		t.Fatal("MigrateDown() expected error for migration without down SQL")
	}

	src.FS.(fstest.MapFS)["sql/20260102_000000_add_gadgets.down.sql"] = &fstest.MapFile{Data: []byte("DROP TABLE gadgets;")}
	if err := db.MigrateDown(ctx, src); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "gadgets") {
		t.Error("gadgets table still exists after rollback")
	}

	_, pending, err := db.MigrationStatus(ctx, src)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(pending) != 1 || pending[0].Version != "20260102_000000" {
		t.Errorf("pending = %+v, want the rolled back migration", pending)
	}
}

func TestMigrateDown_NothingApplied(t *testing.T) {
	db := openTestDB(t)
	if err := db.MigrateDown(context.Background(), testSource()); err != nil {
		t.Errorf("MigrateDown() on fresh database error = %v", err)
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := LoadMigrations(testSource())
	if err != nil {
		t.Fatalf("LoadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Version != "20260101_000000" || migrations[0].Name != "create_widgets" {
		t.Errorf("first migration = %+v", migrations[0])
	}
	if migrations[0].DownSQL == "" {
		t.Error("first migration missing down SQL")
	}

	t.Run("missing directory", func(t *testing.T) {
		got, err := LoadMigrations(Source{FS: fstest.MapFS{}, Dir: "absent"})
		if err != nil || len(got) != 0 {
			t.Errorf("LoadMigrations() = %v, %v; want none", got, err)
		}
	})

	t.Run("nil filesystem", func(t *testing.T) {
		got, err := LoadMigrations(Source{})
		if err != nil || got != nil {
			t.Errorf("LoadMigrations() = %v, %v; want nil", got, err)
		}
	})

	t.Run("down without up", func(t *testing.T) {
		src := Source{FS: fstest.MapFS{
			"20260101_000000_orphan.down.sql": {Data: []byte("DROP TABLE x;")},
		}}
		if _, err := LoadMigrations(src); err == nil {
			t.Error("LoadMigrations() expected error for down file without up file")
		}
	})
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOK      bool
	}{
		{"20261014_120000_create_deliveries.up.sql", "20261014_120000", "create_deliveries", true, true},
		{"20261014_120000_create_deliveries.down.sql", "20261014_120000", "create_deliveries", false, true},
		{"20261014_120000.up.sql", "20261014_120000", "", true, true},
		{"20261014_120000_x.sql", "", "", false, false},
		{"notes.up.sql", "", "", false, false},
		{"2026_12_x.up.sql", "", "", false, false},
		{"20261014_120000_x.up.txt", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if version != tt.wantVersion || name != tt.wantName || isUp != tt.wantUp {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)", version, name, isUp, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}
