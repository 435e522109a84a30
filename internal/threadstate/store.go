// Package threadstate persists thread-id to display-name mappings so
// unique thread naming survives process restarts.
package threadstate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxNameLen bounds allocated display names.
const DefaultMaxNameLen = 64

// Store is a file-backed thread name registry. Every Register/Unregister
// persists synchronously, so the last successful call is always durable.
type Store struct {
	mu      sync.Mutex
	path    string
	maxLen  int
	names   map[string]string // threadID → name
	inUse   map[string]bool   // name → taken
}

// NewStore creates a registry backed by the JSON document at path.
func NewStore(path string) *Store {
	return &Store{
		path:   path,
		maxLen: DefaultMaxNameLen,
		names:  make(map[string]string),
		inUse:  make(map[string]bool),
	}
}

// Load reads the registry from disk. A missing or unparseable file is
// treated as an empty registry.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read thread state", "path", s.path, "error", err)
		}
		return
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("Corrupt thread state, starting empty", "path", s.path, "error", err)
		return
	}
	for id, name := range raw {
		id, name = strings.TrimSpace(id), strings.TrimSpace(name)
		if id == "" || name == "" {
			continue
		}
		s.names[id] = name
		s.inUse[name] = true
	}
	slog.Debug("Loaded thread state", "entries", len(s.names))
}

// AllocateName returns a unique display name derived from baseName,
// truncated to the max length. Collisions get " 2", " 3", ... suffixes;
// if 99 attempts all collide the truncated base is returned as-is,
// accepting a duplicate.
func (s *Store) AllocateName(baseName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := strings.TrimSpace(baseName)
	if base == "" {
		base = "Thread"
	}
	base = truncate(base, s.maxLen)

	if !s.inUse[base] {
		return base
	}
	for i := 2; i < 100; i++ {
		suffix := fmt.Sprintf(" %d", i)
		avail := s.maxLen - len(suffix)
		if avail < 1 {
			avail = 1
		}
		candidate := truncate(truncate(base, avail)+suffix, s.maxLen)
		if !s.inUse[candidate] {
			return candidate
		}
	}
	return base
}

// Register stores a threadID → name mapping and persists it.
func (s *Store) Register(threadID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[threadID] = name
	s.inUse[name] = true
	s.saveLocked()
}

// Unregister removes a thread mapping, frees its name, and persists.
func (s *Store) Unregister(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[threadID]
	if !ok {
		return
	}
	delete(s.names, threadID)
	delete(s.inUse, name)
	s.saveLocked()
}

// Name returns the display name for a thread.
func (s *Store) Name(threadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.names[threadID]
	return name, ok
}

// ThreadID reverse-looks-up a thread by display name.
func (s *Store) ThreadID(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.names {
		if n == name {
			return id, true
		}
	}
	return "", false
}

// All returns a copy of the full threadID → name map.
func (s *Store) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.names))
	for id, name := range s.names {
		out[id] = name
	}
	return out
}

func (s *Store) saveLocked() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		slog.Warn("Failed to create thread state dir", "path", s.path, "error", err)
		return
	}
	// MarshalIndent sorts map keys, keeping the document diffable.
	data, err := json.MarshalIndent(s.names, "", "  ")
	if err != nil {
		slog.Warn("Failed to encode thread state", "error", err)
		return
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		slog.Warn("Failed to write thread state", "path", s.path, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
