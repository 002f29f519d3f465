package emit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"Go2NetSession/internal/model"
)

// CSVWriter appends session rows to a report file. The header is written when
// the file is created, so a run without sessions still leaves a valid report.
type CSVWriter struct {
	path string
	file *os.File
	w    *csv.Writer
}

// NewCSVWriter creates the report at path, including missing parent
// directories, and writes the header row.
func NewCSVWriter(path string) (*CSVWriter, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file '%s': %w", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(Header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write report header: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write report header: %w", err)
	}
	return &CSVWriter{path: path, file: f, w: w}, nil
}

func (c *CSVWriter) Name() string { return "csv" }

// Write appends one row per session.
func (c *CSVWriter) Write(sessions []model.Session) error {
	for _, s := range sessions {
		if err := c.w.Write(Row(Emit(s))); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

// Close flushes and closes the report file.
func (c *CSVWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.file.Close()
		return err
	}
	return c.file.Close()
}
