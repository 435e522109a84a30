// Package approval provides the timed auto-approve engine and the
// free-text approval parser used by the thread dispatcher.
package approval

import (
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultDuration is how long a grant stays live.
const DefaultDuration = 30 * time.Minute

// defaultNeverApprove lists tool-name prefixes that must never be
// auto-approved, whatever grants are active.
var defaultNeverApprove = []string{"task", "enterplanmode", "exitplanmode"}

// Engine holds expiring auto-approve grants scoped by thread, by
// (thread, tool), and by directory. Checking a grant never mutates it;
// re-issuing a grant for the same scope replaces the old expiry.
type Engine struct {
	mu       sync.Mutex
	duration time.Duration
	never    []string

	allowAllUntil  map[string]time.Time            // thread → expiry
	allowToolUntil map[string]map[string]time.Time // thread → tool → expiry
	allowDirUntil  map[string]time.Time            // normalized dir → expiry
	threadDir      map[string]string               // thread → normalized dir

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithDuration overrides the grant duration.
func WithDuration(d time.Duration) Option {
	return func(e *Engine) { e.duration = d }
}

// WithNeverApprove replaces the never-auto-approve prefix set.
func WithNeverApprove(prefixes []string) Option {
	return func(e *Engine) {
		e.never = make([]string, 0, len(prefixes))
		for _, p := range prefixes {
			if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
				e.never = append(e.never, p)
			}
		}
	}
}

// NewEngine creates an auto-approve engine with the default duration
// and never-approve set unless overridden by options.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		duration:       DefaultDuration,
		never:          defaultNeverApprove,
		allowAllUntil:  make(map[string]time.Time),
		allowToolUntil: make(map[string]map[string]time.Time),
		allowDirUntil:  make(map[string]time.Time),
		threadDir:      make(map[string]string),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check reports whether a tool call on the given thread is pre-approved.
// It returns a human-readable reason ("Allow All", "Allow Bash",
// "Allow dir repo") and true, or "" and false if human review is needed.
//
// Priority: never-approve prefixes beat every grant; an all-thread grant
// beats a per-tool grant; directory grants are checked last.
func (e *Engine) Check(threadID, toolName string) (string, bool) {
	if e.IsNeverApproved(toolName) {
		return "", false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	if now.Before(e.allowAllUntil[threadID]) {
		return "Allow All", true
	}
	if tools := e.allowToolUntil[threadID]; tools != nil {
		if now.Before(tools[toolName]) {
			return "Allow " + toolName, true
		}
	}
	return e.checkDirectoryLocked(threadID, now)
}

func (e *Engine) checkDirectoryLocked(threadID string, now time.Time) (string, bool) {
	if len(e.allowDirUntil) == 0 {
		return "", false
	}
	threadDir, ok := e.threadDir[threadID]
	if !ok {
		return "", false
	}
	for dir, expiry := range e.allowDirUntil {
		if !now.Before(expiry) {
			continue
		}
		if threadDir == dir || strings.HasPrefix(threadDir, dir+string(filepath.Separator)) {
			short := filepath.Base(dir)
			if short == "" {
				short = dir
			}
			return "Allow dir " + short, true
		}
	}
	return "", false
}

// IsNeverApproved reports whether the tool name matches a never-approve
// prefix. Matching is case-insensitive and prefix-based, so "task"
// matches "TaskRunner".
func (e *Engine) IsNeverApproved(toolName string) bool {
	norm := strings.ToLower(strings.TrimSpace(toolName))
	for _, prefix := range e.never {
		if strings.HasPrefix(norm, prefix) {
			return true
		}
	}
	return false
}

// SetAllowAll enables auto-approve for every tool on a thread.
func (e *Engine) SetAllowAll(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowAllUntil[threadID] = e.now().Add(e.duration)
}

// SetAllowTool enables auto-approve for one tool on a thread.
func (e *Engine) SetAllowTool(threadID, toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tools := e.allowToolUntil[threadID]
	if tools == nil {
		tools = make(map[string]time.Time)
		e.allowToolUntil[threadID] = tools
	}
	tools[toolName] = e.now().Add(e.duration)
}

// SetAllowDirectory enables auto-approve for every thread associated
// with the directory or a subdirectory of it.
func (e *Engine) SetAllowDirectory(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.allowDirUntil[filepath.Clean(dir)] = e.now().Add(e.duration)
}

// AssociateDirectory records the working directory for a thread so
// directory-scoped grants can be resolved against it. Idempotent.
func (e *Engine) AssociateDirectory(threadID, dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.threadDir[threadID] = filepath.Clean(dir)
}

// Directory returns the directory associated with a thread, if any.
func (e *Engine) Directory(threadID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dir, ok := e.threadDir[threadID]
	return dir, ok
}

// RemoveThread purges all grants and the directory association for a
// thread. Directory grants are keyed by path and shared across threads,
// so they stay.
func (e *Engine) RemoveThread(threadID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.allowAllUntil, threadID)
	delete(e.allowToolUntil, threadID)
	delete(e.threadDir, threadID)
}
