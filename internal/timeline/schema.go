package timeline

import "time"

// ApprovalRecord is a persisted permission or choice request.
type ApprovalRecord struct {
	ID          int64      `json:"id"`
	RequestID   string     `json:"request_id"`
	ThreadID    string     `json:"thread_id"`
	Kind        string     `json:"kind"` // "permission" | "choice"
	Tool        string     `json:"tool"`
	Arguments   string     `json:"arguments,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	Timer       string     `json:"timer,omitempty"` // "", "all", "dir", or a tool name
	Username    string     `json:"username,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

const (
	StatusPending      = "pending"
	StatusApproved     = "approved"
	StatusDenied       = "denied"
	StatusAutoApproved = "auto_approved"
	// StatusAbandoned marks requests that were still pending when the
	// process restarted. In-flight requests do not survive a restart and
	// must be re-issued by the agent session.
	StatusAbandoned = "abandoned"
)

// ThreadEventRecord is a persisted thread lifecycle event.
type ThreadEventRecord struct {
	ID        int64     `json:"id"`
	ThreadID  string    `json:"thread_id"`
	EventType string    `json:"event_type"` // created, removed, grant, input, command
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT UNIQUE NOT NULL,
	thread_id TEXT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'permission',
	tool TEXT NOT NULL,
	arguments TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT,
	timer TEXT,
	username TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	responded_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_thread ON approval_requests(thread_id);

CREATE TABLE IF NOT EXISTS thread_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	detail TEXT DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_thread_events_thread ON thread_events(thread_id);
CREATE INDEX IF NOT EXISTS idx_thread_events_created ON thread_events(created_at);
`
