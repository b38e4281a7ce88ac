package parser

import (
	"io"
	"os"

	"github.com/aim-datalog/backend/internal/models"
	"golang.org/x/text/encoding/charmap"
)

// ProgressCallback is called periodically during conversion to report progress.
type ProgressCallback func(rowsLoaded int, bytesProcessed int64, totalBytes int64)

// Parser defines the interface for data log converters.
type Parser interface {
	// Name returns the unique name of the parser.
	Name() string
	// CanParse returns true if this parser can handle the given file.
	CanParse(filePath string) (bool, error)
	// Convert converts the entire file and returns the result.
	Convert(filePath string) (*models.DataLog, error)
	// ConvertWithProgress converts with progress callbacks for large files.
	ConvertWithProgress(filePath string, onProgress ProgressCallback) (*models.DataLog, error)
}

// latin1Reader decodes an ISO-8859-1 stream to UTF-8.
func latin1Reader(r io.Reader) io.Reader {
	return charmap.ISO8859_1.NewDecoder().Reader(r)
}

// countingReader tracks how many bytes have been read from the underlying file.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// fileSize returns the size of f, or 0 when it cannot be determined.
func fileSize(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}
