package detection

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, name, title string, sheets ...string) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	if title != "" {
		if err := f.SetDocProps(&excelize.DocProperties{Title: title}); err != nil {
			t.Fatalf("SetDocProps() error: %v", err)
		}
	}
	for _, sheet := range sheets {
		if _, err := f.NewSheet(sheet); err != nil {
			t.Fatalf("NewSheet(%q) error: %v", sheet, err)
		}
	}
	path := filepath.Join(t.TempDir(), name)
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("SaveAs() error: %v", err)
	}
	return path
}

func TestDetectWorkbook(t *testing.T) {
	s := scenarioSet(t)

	tests := []struct {
		name       string
		path       string
		wantSource string
		wantCode   string
	}{
		{"title wins", writeWorkbook(t, "export.xlsx", "Dr Chinyere Enih Production", "Humble Schedule"),
			SourceTitle, "PROV_CHINYERE_ENIH"},
		{"sheet name", writeWorkbook(t, "export.xlsx", "Quarterly Numbers", "Humble Schedule"),
			SourceSheet, "KAMDENTAL_HUMBLE"},
		{"file name", writeWorkbook(t, "chinyere-2026.xlsx", ""),
			SourceFilename, "PROV_CHINYERE_ENIH"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DetectWorkbook(s, tt.path)
			if err != nil {
				t.Fatalf("DetectWorkbook() error: %v", err)
			}
			if m.Source != tt.wantSource || m.StableCode != tt.wantCode {
				t.Errorf("got source %s code %s, want %s %s", m.Source, m.StableCode, tt.wantSource, tt.wantCode)
			}
		})
	}
}

func TestDetectWorkbook_Unresolved(t *testing.T) {
	path := writeWorkbook(t, "random.xlsx", "Random Sheet 3", "Totals")
	if _, err := DetectWorkbook(scenarioSet(t), path); !errors.Is(err, ErrUnresolved) {
		t.Errorf("expected ErrUnresolved, got %v", err)
	}
}

func TestDetectWorkbookReader(t *testing.T) {
	path := writeWorkbook(t, "upload.xlsx", "", "Humble Schedule")
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	m, err := DetectWorkbookReader(scenarioSet(t), f, "upload.xlsx")
	if err != nil {
		t.Fatalf("DetectWorkbookReader() error: %v", err)
	}
	if m.Candidate != "Humble Schedule" {
		t.Errorf("expected candidate from sheet name, got %q", m.Candidate)
	}
}

func TestDetectWorkbook_KeepsRawCandidate(t *testing.T) {
	path := writeWorkbook(t, "upload.xlsx", "", "Humble  Schedule")
	m, err := DetectWorkbook(scenarioSet(t), path)
	if err != nil {
		t.Fatalf("DetectWorkbook() error: %v", err)
	}
	if m.StableCode != "KAMDENTAL_HUMBLE" || m.Candidate != "Humble  Schedule" {
		t.Errorf("expected raw sheet name to be kept, got %+v", m)
	}
}

func TestDetectWorkbook_NotAWorkbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.xlsx")
	if err := os.WriteFile(path, []byte("plain text"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := DetectWorkbook(scenarioSet(t), path)
	if err == nil || errors.Is(err, ErrUnresolved) {
		t.Errorf("expected an open error, got %v", err)
	}
}
