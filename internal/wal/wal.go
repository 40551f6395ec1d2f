package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RequestWAL journals raw compare-request bodies before they are
// parsed, so a crash mid-request loses nothing: the request can be
// replayed against the engine on restart.
type RequestWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// NewRequestWAL creates or opens a daily WAL file in dirPath.
func NewRequestWAL(dirPath string) (*RequestWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("compare-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &RequestWAL{
		file: file,
		path: walPath,
	}, nil
}

// Append writes a request body to the WAL with fsync
func (w *RequestWAL) Append(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Write timestamp + body length + body
	line := fmt.Sprintf("%s|%d|%s\n", time.Now().Format(time.RFC3339Nano), len(body), body)

	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// Critical: fsync to ensure durability
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Close flushes and closes the WAL
func (w *RequestWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all entries from a WAL file
func Replay(walPath string) ([]Entry, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := scanner.Text()
		// Parse: timestamp|length|body. Split on the first two pipes
		// only, since the body is arbitrary JSON and may contain both
		// whitespace and pipes.
		first := strings.IndexByte(line, '|')
		if first < 0 {
			continue // skip malformed lines
		}
		second := strings.IndexByte(line[first+1:], '|')
		if second < 0 {
			continue
		}
		second += first + 1

		timestamp, err := time.Parse(time.RFC3339Nano, line[:first])
		if err != nil {
			continue
		}

		length, err := strconv.Atoi(line[first+1 : second])
		if err != nil || length < 0 {
			continue
		}

		body := line[second+1:]
		if len(body) != length {
			continue
		}

		entries = append(entries, Entry{
			Timestamp: timestamp,
			Body:      []byte(body),
		})
	}

	return entries, scanner.Err()
}

// Rotate closes the current WAL, opens a fresh daily file and returns
// the old file path for archival.
func Rotate(dirPath string, current *RequestWAL) (*RequestWAL, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	next, err := NewRequestWAL(dirPath)
	if err != nil {
		return nil, "", err
	}

	return next, oldPath, nil
}
