// Package timeline persists an audit trail of approval requests and
// thread lifecycle events in SQLite. The service is optional: a nil
// *Service is valid and records nothing.
package timeline

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Service is the SQLite-backed audit log.
type Service struct {
	db *sql.DB
}

// NewService opens (or creates) the audit database at dbPath. Requests
// still pending from a previous run are marked abandoned.
func NewService(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	// Pending requests cannot be answered after a restart.
	if _, err := db.Exec(`UPDATE approval_requests SET status = ?, responded_at = datetime('now') WHERE status = ?`,
		StatusAbandoned, StatusPending); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to abandon stale requests: %w", err)
	}

	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// RecordRequest inserts a new approval request in pending state.
func (s *Service) RecordRequest(requestID, threadID, kind, tool, arguments string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO approval_requests (request_id, thread_id, kind, tool, arguments)
		VALUES (?, ?, ?, ?, ?)`,
		requestID, threadID, kind, tool, arguments)
	if err != nil {
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// RecordAutoApproval inserts an already-resolved request for a grant hit.
func (s *Service) RecordAutoApproval(requestID, threadID, tool, reason string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO approval_requests (request_id, thread_id, kind, tool, status, reason, responded_at)
		VALUES (?, ?, 'permission', ?, ?, ?, datetime('now'))`,
		requestID, threadID, tool, StatusAutoApproved, reason)
	if err != nil {
		return fmt.Errorf("record auto-approval: %w", err)
	}
	return nil
}

// ResolveRequest marks a pending request approved or denied. timer is
// the grant scope the decision carried ("all", "dir", a tool name) or
// empty for a one-shot decision.
func (s *Service) ResolveRequest(requestID string, approved bool, reason, timer, username string) error {
	if s == nil {
		return nil
	}
	status := StatusApproved
	if !approved {
		status = StatusDenied
	}
	_, err := s.db.Exec(`UPDATE approval_requests
		SET status = ?, reason = ?, timer = ?, username = ?, responded_at = datetime('now')
		WHERE request_id = ? AND status = ?`,
		status, reason, timer, username, requestID, StatusPending)
	if err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	return nil
}

// RecordThreadEvent appends a thread lifecycle event.
func (s *Service) RecordThreadEvent(threadID, eventType, detail string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO thread_events (thread_id, event_type, detail) VALUES (?, ?, ?)`,
		threadID, eventType, detail)
	if err != nil {
		return fmt.Errorf("record thread event: %w", err)
	}
	return nil
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	ThreadID string
	Status   string
	Limit    int
	Offset   int
}

// ListRequests returns approval requests, newest first.
func (s *Service) ListRequests(filter RequestFilter) ([]ApprovalRecord, error) {
	if s == nil {
		return nil, nil
	}
	query := `SELECT id, request_id, thread_id, kind, tool, COALESCE(arguments,''), status,
		COALESCE(reason,''), COALESCE(timer,''), COALESCE(username,''), created_at, responded_at
		FROM approval_requests WHERE 1=1`
	args := []any{}

	if filter.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, filter.ThreadID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	query += " LIMIT ?"
	args = append(args, filter.Limit)
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var respondedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ThreadID, &r.Kind, &r.Tool, &r.Arguments,
			&r.Status, &r.Reason, &r.Timer, &r.Username, &r.CreatedAt, &respondedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			r.RespondedAt = &respondedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRequest returns one approval request by id, or nil when absent.
func (s *Service) GetRequest(requestID string) (*ApprovalRecord, error) {
	if s == nil {
		return nil, nil
	}
	var r ApprovalRecord
	var respondedAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, request_id, thread_id, kind, tool, COALESCE(arguments,''), status,
		COALESCE(reason,''), COALESCE(timer,''), COALESCE(username,''), created_at, responded_at
		FROM approval_requests WHERE request_id = ?`, requestID).
		Scan(&r.ID, &r.RequestID, &r.ThreadID, &r.Kind, &r.Tool, &r.Arguments,
			&r.Status, &r.Reason, &r.Timer, &r.Username, &r.CreatedAt, &respondedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return &r, nil
}

// ListThreadEvents returns lifecycle events for one thread, oldest first.
func (s *Service) ListThreadEvents(threadID string, limit int) ([]ThreadEventRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT id, thread_id, event_type, COALESCE(detail,''), created_at
		FROM thread_events WHERE thread_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("list thread events: %w", err)
	}
	defer rows.Close()

	var out []ThreadEventRecord
	for rows.Next() {
		var e ThreadEventRecord
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.EventType, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByStatus returns request counts grouped by status.
func (s *Service) CountByStatus() (map[string]int, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM approval_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
