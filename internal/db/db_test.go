package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRebind(t *testing.T) {
	cases := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, `SELECT * FROM jobs WHERE id=?`, `SELECT * FROM jobs WHERE id=?`},
		{Postgres, `SELECT * FROM jobs WHERE id=? AND state=?`, `SELECT * FROM jobs WHERE id=$1 AND state=$2`},
		{Postgres, `SELECT '?' FROM jobs WHERE id=?`, `SELECT '?' FROM jobs WHERE id=$1`},
		{Postgres, `SELECT 1`, `SELECT 1`},
	}
	for _, tc := range cases {
		if got := tc.dialect.Rebind(tc.in); got != tc.want {
			t.Fatalf("%s Rebind(%q) = %q, want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestOpenDefaultsToWorkspaceSQLite(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if conn.Dialect != SQLite {
		t.Fatalf("expected sqlite dialect, got %s", conn.Dialect)
	}
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".sitepush", "sitepush.db")); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
}

func TestOpenSQLiteDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	conn, err := Open(Config{DSN: "sqlite://" + path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected database file at %s: %v", path, err)
	}
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open(Config{DSN: "mysql://localhost/db"}); err == nil {
		t.Fatalf("expected error for unsupported dsn")
	}
}
