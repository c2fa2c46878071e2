package authdb

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// File is a passwd-file lookup source. Each non-comment line has the form
//
//	user:password:uid:gid:gecos:home:shell:extra_fields
//
// where extra_fields is a space separated list of key=value entries.
// The file is re-read whenever its modification time changes.
type File struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	modTime time.Time
	users   map[string]Fields
}

// NewFile creates a passwd-file source and loads it once.
func NewFile(path string, logger *slog.Logger) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("passwd-file path is required: %w", ErrInvalidInput)
	}
	f := &File{path: path, logger: logger}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) reload() error {
	info, err := os.Stat(f.path)
	if err != nil {
		return fmt.Errorf("failed to stat passwd-file: %w", err)
	}

	f.mu.RLock()
	fresh := info.ModTime().Equal(f.modTime) && f.users != nil
	f.mu.RUnlock()
	if fresh {
		return nil
	}

	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("failed to open passwd-file: %w", err)
	}
	defer file.Close()

	users := make(map[string]Fields)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, fields, ok := parsePasswdLine(line)
		if !ok {
			f.logger.Warn("Skipping malformed passwd-file line", "path", f.path, "line", lineNo)
			continue
		}
		users[user] = fields
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read passwd-file: %w", err)
	}

	f.mu.Lock()
	f.users = users
	f.modTime = info.ModTime()
	f.mu.Unlock()

	f.logger.Debug("Loaded passwd-file", "path", f.path, "users", len(users))
	return nil
}

func parsePasswdLine(line string) (string, Fields, bool) {
	parts := strings.SplitN(line, ":", 8)
	if parts[0] == "" {
		return "", nil, false
	}
	var fields Fields
	add := func(idx int, key string) {
		if len(parts) > idx && parts[idx] != "" {
			fields = append(fields, Field{Key: key, Value: parts[idx]})
		}
	}
	add(2, "uid")
	add(3, "gid")
	add(5, "home")
	if len(parts) == 8 {
		fields = append(fields, ParseFields(strings.Fields(parts[7]))...)
	}
	return strings.ToLower(parts[0]), fields, true
}

// Lookup implements Source.
func (f *File) Lookup(ctx context.Context, req Request) (Fields, error) {
	if err := f.reload(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	fields, ok := f.users[strings.ToLower(req.Username)]
	f.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if fields.Has("nologin") {
		reason, ok := fields.Get("reason")
		if !ok {
			reason = "Login disabled"
		}
		return nil, &LookupError{Message: reason}
	}

	out := make(Fields, len(fields))
	copy(out, fields)
	return out, nil
}

// Close implements Source.
func (f *File) Close() error { return nil }
