// Package pairing holds the file-backed allowlist that authorizes chat
// users to control the gateway. A user pairs by sending the pairing code
// in a direct message.
package pairing

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// State is the persistent pairing document.
type State struct {
	PairingCode      string  `json:"pairing_code"`
	PairedUserIDs    []int64 `json:"paired_user_ids"`
	ControlChannelID int64   `json:"control_channel_id,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// Store is a file-backed pairing state with an in-memory index.
type Store struct {
	mu    sync.Mutex
	path  string
	state State
	users map[int64]bool
}

// GenerateCode returns an 8-digit pairing code.
func GenerateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		// crypto/rand failing means the platform is broken; fall back to
		// a time-derived code rather than crashing pairing.
		return fmt.Sprintf("%08d", time.Now().UnixNano()%100_000_000)
	}
	return fmt.Sprintf("%08d", n.Int64())
}

// LoadOrCreate reads pairing state from path, creating a fresh state with
// a new code when the file is missing or unreadable. A non-empty
// fixedCode overrides the stored code.
func LoadOrCreate(path, fixedCode string) (*Store, error) {
	s := &Store{path: path, users: make(map[int64]bool)}

	data, err := os.ReadFile(path)
	if err == nil {
		var raw State
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil && raw.PairingCode != "" {
			s.state = raw
			for _, id := range raw.PairedUserIDs {
				s.users[id] = true
			}
		} else if jsonErr != nil {
			slog.Warn("Corrupt pairing state, creating fresh", "path", path, "error", jsonErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read pairing state: %w", err)
	}

	if s.state.PairingCode == "" {
		s.state = State{
			PairingCode: fixedCode,
			CreatedAt:   time.Now().UTC().Format(time.RFC3339),
		}
		if s.state.PairingCode == "" {
			s.state.PairingCode = GenerateCode()
		}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if fixedCode != "" && fixedCode != s.state.PairingCode {
		s.state.PairingCode = fixedCode
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Code returns the active pairing code.
func (s *Store) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PairingCode
}

// IsPaired reports whether a user has paired.
func (s *Store) IsPaired(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID]
}

// Pair authorizes a user if the code matches. It reports whether pairing
// succeeded; an already-paired user always succeeds.
func (s *Store) Pair(userID int64, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] {
		return true, nil
	}
	if code != s.state.PairingCode {
		return false, nil
	}
	s.users[userID] = true
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	slog.Info("User paired", "user_id", userID)
	return true, nil
}

// Unpair revokes a user's authorization.
func (s *Store) Unpair(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.users[userID] {
		return nil
	}
	delete(s.users, userID)
	return s.saveLocked()
}

// ControlChannel returns the stored control channel id, 0 if unset.
func (s *Store) ControlChannel() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ControlChannelID
}

// SetControlChannel persists the control channel id.
func (s *Store) SetControlChannel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ControlChannelID = id
	return s.saveLocked()
}

// PairedUsers returns the sorted list of paired user ids.
func (s *Store) PairedUsers() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedUsersLocked()
}

func (s *Store) sortedUsersLocked() []int64 {
	out := make([]int64, 0, len(s.users))
	for id := range s.users {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Store) saveLocked() error {
	s.state.PairedUserIDs = s.sortedUsersLocked()
	if s.state.CreatedAt == "" {
		s.state.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create pairing dir: %w", err)
	}
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing state: %w", err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write pairing state: %w", err)
	}
	return nil
}
