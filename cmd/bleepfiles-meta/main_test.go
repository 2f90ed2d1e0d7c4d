package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bleepstore/bleepfiles/internal/metadata"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bleepfiles.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveDBPath(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		want    string
		wantErr bool
	}{
		{"explicit path", "metadata:\n  sqlite:\n    path: /var/lib/bleepfiles/meta.db\n", "/var/lib/bleepfiles/meta.db", false},
		{"no metadata section", "server:\n  port: 9000\n", defaultDBPath, false},
		{"memory engine", "metadata:\n  engine: memory\n", "", true},
		{"invalid yaml", "metadata: [\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveDBPath(writeConfig(t, tt.config))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunExportRejectsUnknownTable(t *testing.T) {
	db := filepath.Join(t.TempDir(), "meta.db")
	if rc := runExport([]string{"-db", db, "-tables", "records,buckets"}); rc != 1 {
		t.Errorf("runExport rc = %d, want 1", rc)
	}
}

func TestRunImportRejectsInconsistentDocument(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "meta.db")
	store, err := metadata.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	doc := `{"bleepfiles_export":{"version":1},
		"objects":[{"id":"o1","uri":"file:///o1","storage_class":"M","created_at":"2026-01-01T00:00:00.000Z","updated_at":"2026-01-01T00:00:00.000Z"}]}`
	input := filepath.Join(dir, "export.json")
	if err := os.WriteFile(input, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	if rc := runImport([]string{"-db", db, "-input", input}); rc != 1 {
		t.Errorf("runImport rc = %d, want 1", rc)
	}
	if rc := runImport([]string{"-db", db, "-input", input, "-external-tags"}); rc != 0 {
		t.Errorf("runImport with -external-tags rc = %d, want 0", rc)
	}
}
