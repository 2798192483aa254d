package dbx

import (
	"strings"
	"testing"
)

func TestMigrateURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/sos?sslmode=disable": "pgx5://u:p@db:5432/sos?sslmode=disable",
		"postgresql://u:p@db:5432/sos":               "pgx5://u:p@db:5432/sos",
		"pgx5://already":                             "pgx5://already",
	}
	for in, want := range cases {
		if got := MigrateURL(in); got != want {
			t.Fatalf("MigrateURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired migrations, got %d up / %d down", ups, downs)
	}
}
