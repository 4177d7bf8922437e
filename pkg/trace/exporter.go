package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSize  = 10 * 1024 * 1024
	defaultMaxFiles = 5
	maxLineBytes    = 1024 * 1024
)

// FileExporter keeps a build journal: one JSON line per build record. A record
// is never split across files; the journal rotates before a record would push
// it past its size limit. Rotated journals are path.1 (newest) to path.N.
type FileExporter struct {
	path     string
	maxSize  int64
	maxFiles int

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool
}

var _ Exporter = (*FileExporter)(nil)

// WithMaxSize sets the journal size that triggers rotation. Zero or less keeps
// the default of 10MB.
func WithMaxSize(bytes int64) FileExporterOption {
	return func(fe *FileExporter) {
		if bytes > 0 {
			fe.maxSize = bytes
		}
	}
}

// WithMaxRotatedFiles sets how many rotated journals are kept. Zero discards the
// journal on rotation.
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(fe *FileExporter) {
		if count >= 0 {
			fe.maxFiles = count
		}
	}
}

// NewFileExporter opens the journal at path, creating its directory. An empty
// path yields a NoopExporter.
func NewFileExporter(path string, opts ...FileExporterOption) (Exporter, error) {
	if path == "" {
		return NoopExporter{}, nil
	}
	fe := &FileExporter{path: path, maxSize: defaultMaxSize, maxFiles: defaultMaxFiles}
	for _, opt := range opts {
		opt(fe)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	if err := fe.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return fe, nil
}

func (fe *FileExporter) open(mode int) error {
	file, err := os.OpenFile(fe.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return fmt.Errorf("open trace file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat trace file: %w", err)
	}
	fe.file, fe.size = file, info.Size()
	return nil
}

// Export appends record to the journal.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	line = append(line, '\n')

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.closed {
		return errors.New("exporter closed")
	}
	if fe.size > 0 && fe.size+int64(len(line)) > fe.maxSize {
		if err := fe.rotate(); err != nil {
			return fmt.Errorf("rotate trace file: %w", err)
		}
	}
	n, err := fe.file.Write(line)
	fe.size += int64(n)
	if err != nil {
		return fmt.Errorf("write trace record: %w", err)
	}
	return nil
}

// Close syncs and closes the journal. Closing twice is a no-op.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.closed {
		return nil
	}
	fe.closed = true
	return errors.Join(fe.file.Sync(), fe.file.Close())
}

// rotate shifts path.i to path.i+1, drops what falls off the end and starts an
// empty journal. Called with mu held.
func (fe *FileExporter) rotate() error {
	if err := fe.file.Close(); err != nil {
		return err
	}
	if fe.maxFiles > 0 {
		if err := removeIfExists(rotatedPath(fe.path, fe.maxFiles)); err != nil {
			return err
		}
		for i := fe.maxFiles - 1; i >= 1; i-- {
			if err := renameIfExists(rotatedPath(fe.path, i), rotatedPath(fe.path, i+1)); err != nil {
				return err
			}
		}
		if err := os.Rename(fe.path, rotatedPath(fe.path, 1)); err != nil {
			return err
		}
	}
	return fe.open(os.O_TRUNC)
}

func rotatedPath(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func renameIfExists(from, to string) error {
	if err := os.Rename(from, to); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ReadRecords returns up to limit of the most recent records in the journal at
// path and its rotated files, oldest first. A limit of zero or less returns every
// record. A missing journal yields no records.
func ReadRecords(path string, limit int) ([]TraceRecord, error) {
	var files []string
	for i := 1; ; i++ {
		p := rotatedPath(path, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		files = append(files, p)
	}
	var out []TraceRecord
	// Newest file first, so the scan can stop once limit records are collected.
	for _, p := range append([]string{path}, files...) {
		recs, err := readFile(p)
		if err != nil {
			return nil, err
		}
		out = append(recs, out...)
		if limit > 0 && len(out) >= limit {
			return out[len(out)-limit:], nil
		}
	}
	return out, nil
}

func readFile(path string) ([]TraceRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	var recs []TraceRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var rec TraceRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode trace record in %s: %w", filepath.Base(path), err)
		}
		recs = append(recs, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	return recs, nil
}
