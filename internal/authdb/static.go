package authdb

import (
	"context"
	"strings"
	"sync"
)

// Static returns the same fields for every user, or per-user fields when
// users have been added. It backs the "static" userdb and doubles as an in
// process source for embedding and tests.
type Static struct {
	mu       sync.RWMutex
	defaults Fields
	users    map[string]Fields
	failures map[string]error
}

// NewStatic creates a source that answers every lookup with fields.
// A nil fields makes unknown users not found.
func NewStatic(fields Fields) *Static {
	return &Static{
		defaults: fields,
		users:    make(map[string]Fields),
		failures: make(map[string]error),
	}
}

// AddUser registers per-user fields.
func (s *Static) AddUser(username string, fields Fields) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(username)] = fields
}

// Fail makes lookups of username return err.
func (s *Static) Fail(username string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[strings.ToLower(username)] = err
}

// Lookup implements Source.
func (s *Static) Lookup(ctx context.Context, req Request) (Fields, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := strings.ToLower(req.Username)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[key]; ok {
		return nil, err
	}
	fields, ok := s.users[key]
	if !ok {
		if s.defaults == nil {
			return nil, ErrNotFound
		}
		fields = s.defaults
	}
	out := make(Fields, len(fields))
	copy(out, fields)
	return out, nil
}

// Close implements Source.
func (s *Static) Close() error { return nil }
