package detection

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Candidate sources for a workbook, in the order they are tried.
const (
	SourceTitle    = "title"
	SourceSheet    = "sheet"
	SourceFilename = "filename"
)

// WorkbookMatch is a detection made from one of a workbook's names.
type WorkbookMatch struct {
	Result
	Source    string `json:"source"`
	Candidate string `json:"candidate"`
}

// DetectWorkbook opens the spreadsheet at path and detects from, in order,
// its title property, each sheet name, and the file's base name.
func DetectWorkbook(s *PatternSet, path string) (*WorkbookMatch, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return detectFile(s, f, path)
}

// DetectWorkbookReader is DetectWorkbook for an uploaded file.
func DetectWorkbookReader(s *PatternSet, r io.Reader, filename string) (*WorkbookMatch, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return detectFile(s, f, filename)
}

func detectFile(s *PatternSet, f *excelize.File, filename string) (*WorkbookMatch, error) {
	type candidate struct{ source, name string }
	var candidates []candidate

	props, err := f.GetDocProps()
	if err != nil {
		return nil, fmt.Errorf("read workbook properties: %w", err)
	}
	if props != nil && strings.TrimSpace(props.Title) != "" {
		candidates = append(candidates, candidate{SourceTitle, props.Title})
	}
	for _, sheet := range f.GetSheetList() {
		candidates = append(candidates, candidate{SourceSheet, sheet})
	}
	if base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename)); base != "" && base != "." {
		candidates = append(candidates, candidate{SourceFilename, base})
	}

	for _, c := range candidates {
		res, err := s.Detect(c.name)
		if errors.Is(err, ErrUnresolved) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &WorkbookMatch{Result: res, Source: c.source, Candidate: c.name}, nil
	}
	return nil, ErrUnresolved
}
