// Package storage admits uploaded files into the shared upload
// directory before any job record exists for them.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedType = errors.New("file type not allowed")
	ErrPayloadTooLarge = errors.New("file too large")
)

// chunkSize bounds memory use per upload regardless of payload size.
const chunkSize = 1 << 20

// SavedFile describes an admitted upload.
type SavedFile struct {
	Path      string
	FileType  string
	SizeBytes int64
	HumanSize string
}

// Gate validates and persists incoming uploads. Stored names are
// generated, never client-supplied, so concurrent writers cannot
// collide and path traversal is a non-issue.
type Gate struct {
	dir        string
	maxSize    int64
	extensions map[string]struct{}
}

func NewGate(dir string, maxSize int64, allowedExtensions []string) *Gate {
	exts := make(map[string]struct{}, len(allowedExtensions))
	for _, e := range allowedExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	return &Gate{dir: dir, maxSize: maxSize, extensions: exts}
}

// Save streams body to disk in fixed-size chunks, enforcing the size
// ceiling as it reads. The instant the running count exceeds the
// ceiling the partial file is removed and ErrPayloadTooLarge returned,
// so no oversized file ever survives on disk.
func (g *Gate) Save(filename string, body io.Reader) (*SavedFile, error) {
	ext := extensionOf(filename)
	if _, ok := g.extensions[ext]; !ok {
		return nil, fmt.Errorf("%w: .%s (allowed: %s)", ErrUnsupportedType, ext, g.allowedList())
	}

	path := filepath.Join(g.dir, uuid.New().String()+"."+ext)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create upload file: %w", err)
	}

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > g.maxSize {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("%w: maximum size %s", ErrPayloadTooLarge, humanize.Bytes(uint64(g.maxSize)))
			}
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write upload file: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("read upload: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close upload file: %w", err)
	}

	return &SavedFile{
		Path:      path,
		FileType:  ext,
		SizeBytes: total,
		HumanSize: humanize.Bytes(uint64(total)),
	}, nil
}

func (g *Gate) allowedList() string {
	exts := make([]string, 0, len(g.extensions))
	for e := range g.extensions {
		exts = append(exts, e)
	}
	sort.Strings(exts)
	return strings.Join(exts, ", ")
}

func extensionOf(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// InferHarmonizationType maps filename keywords to a harmonization
// category. Best effort only: it looks at the name, not the contents.
func InferHarmonizationType(filename string) string {
	base := strings.ToLower(filepath.Base(filename))

	switch {
	case strings.Contains(base, "patient"):
		return "patients"
	case strings.Contains(base, "vital"):
		return "vitals"
	case strings.Contains(base, "medication"), strings.Contains(base, "med"):
		return "medications"
	case strings.Contains(base, "lab"), strings.Contains(base, "test"):
		return "lab_results"
	default:
		return "generic"
	}
}
