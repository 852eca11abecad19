package db

import (
	"path/filepath"
	"testing"
	"time"
)

func TestOpenSQLite_AppliesSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "extref.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer db.Close()

	for _, table := range []string{"stable_entity", "external_mapping", "detection_pattern_set", "detection_pattern", "reconcile_run"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("expected table %s: %v", table, err)
		}
	}
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extref.db")
	first, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	second, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	second.Close()
}

func TestSQLiteTime_RoundTrip(t *testing.T) {
	in := time.Date(2026, 10, 16, 9, 30, 0, 123, time.FixedZone("CAT", 2*3600))
	out, err := ParseTime(FormatTime(in))
	if err != nil {
		t.Fatalf("ParseTime() error: %v", err)
	}
	if !out.Equal(in) {
		t.Errorf("expected %s, got %s", in, out)
	}

	earlier := FormatTime(in.Add(-time.Nanosecond))
	if !(earlier < FormatTime(in)) {
		t.Error("expected formatted timestamps to sort lexically")
	}
}

func TestOpenSQLite_StableEntityGuards(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "extref.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error: %v", err)
	}
	defer db.Close()

	now := FormatTime(time.Now())
	insert := `INSERT INTO stable_entity (id, entity_type, stable_code, current_internal_id, created_at, updated_at)
		VALUES (?, 'clinic', 'KAMDENTAL_HUMBLE', 'A', ?, ?)`
	if _, err := db.Exec(insert, "row-1", now, now); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = db.Exec(insert, "row-2", now, now)
	if !IsUniqueViolation(err) {
		t.Errorf("expected unique violation for a reissued code, got %v", err)
	}

	if _, err := db.Exec(`UPDATE stable_entity SET stable_code = 'OTHER' WHERE id = 'row-1'`); err == nil {
		t.Error("expected stable_code to be immutable")
	}
	if _, err := db.Exec(`DELETE FROM stable_entity WHERE id = 'row-1'`); err == nil {
		t.Error("expected delete to be rejected")
	}
	if _, err := db.Exec(`UPDATE stable_entity SET current_internal_id = 'B' WHERE id = 'row-1'`); err != nil {
		t.Errorf("expected internal id rewrite to succeed: %v", err)
	}
}
