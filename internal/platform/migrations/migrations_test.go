package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// TestEmbeddedMigrationsParse checks the embedded .up.sql files satisfy
// golang-migrate's {version}_{title}.up.sql naming convention and load
// as a well-formed, gapless version sequence; Apply's actual
// m.Up() run against postgres is exercised by the storage integration
// tests, not here.
func TestEmbeddedMigrationsParse(t *testing.T) {
	source, err := iofs.New(files, ".")
	if err != nil {
		t.Fatalf("open migration source: %v", err)
	}
	defer source.Close()

	first, err := source.First()
	if err != nil {
		t.Fatalf("first version: %v", err)
	}

	count := 1
	version := first
	for {
		next, err := source.Next(version)
		if err != nil {
			break
		}
		version = next
		count++
	}

	entries, err := files.ReadDir(".")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	if count != len(entries) {
		t.Fatalf("expected %d migrations in the version chain, found %d", len(entries), count)
	}
}
