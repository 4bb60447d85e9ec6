package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledongthuc/pdf"
)

// FileInfo is what kansoku measures about an instrumented PDF input.
// It reads the document's page tree only; text extraction is the caller's job.
type FileInfo struct {
	FileName   string
	FileSizeMB float64
	Pages      int64
}

const bytesPerMB = 1024 * 1024

// FileSizeMB stats path without reading it.
func FileSizeMB(path string) (float64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("metrics: stat pdf: %w", err)
	}
	return float64(st.Size()) / bytesPerMB, nil
}

// PDFFileInfo measures size and page count of the PDF at path.
// The pdf reader panics on some malformed inputs; that surfaces as an error.
func PDFFileInfo(path string) (info FileInfo, err error) {
	f, err := os.Open(path) //nolint:gosec // path is supplied by the instrumented caller
	if err != nil {
		return FileInfo{}, fmt.Errorf("metrics: open pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return FileInfo{}, fmt.Errorf("metrics: stat pdf: %w", err)
	}

	info = FileInfo{
		FileName:   filepath.Base(path),
		FileSizeMB: float64(st.Size()) / bytesPerMB,
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("metrics: read pdf %s: malformed document: %v", info.FileName, p)
		}
	}()
	r, err := pdf.NewReader(f, st.Size())
	if err != nil {
		return info, fmt.Errorf("metrics: read pdf %s: %w", info.FileName, err)
	}
	info.Pages = int64(r.NumPage())
	return info, nil
}

// Stats converts the file info into PDFStats with no text counts.
func (fi FileInfo) Stats() PDFStats {
	return PDFStats{FileName: fi.FileName, FileSizeMB: fi.FileSizeMB, Pages: fi.Pages}
}
