// ABOUTME: Audit log of operator actions on conversations
// ABOUTME: Records who sent, took over, toggled, hid, or tagged which conversation

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction names an auditable operator action.
type AuditAction string

const (
	AuditSendMessage AuditAction = "send_message"
	AuditSendFile    AuditAction = "send_file"
	AuditSetHandover AuditAction = "set_handover"
	AuditSetAI       AuditAction = "set_ai"
	AuditHide        AuditAction = "hide"
	AuditAddTag      AuditAction = "add_tag"
	AuditRemoveTag   AuditAction = "remove_tag"
)

// Valid reports whether a is a known action.
func (a AuditAction) Valid() bool {
	switch a {
	case AuditSendMessage, AuditSendFile, AuditSetHandover, AuditSetAI,
		AuditHide, AuditAddTag, AuditRemoveTag:
		return true
	}
	return false
}

// AuditEntry is one recorded operator action.
type AuditEntry struct {
	ID             string         `json:"id"`
	Actor          string         `json:"actor"`
	Action         AuditAction    `json:"action"`
	ConversationID int64          `json:"conversation_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Detail         map[string]any `json:"detail,omitempty"`
}

// AuditFilter narrows ListAuditLog. Nil fields match everything.
type AuditFilter struct {
	Since          *time.Time
	Actor          *string
	Action         *AuditAction
	ConversationID *int64
	Limit          int // default 100, max 1000
}

// AuditStore records and lists operator actions.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// AppendAuditLog appends e, generating its ID and timestamp when unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detail *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detail = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor, action, conversation_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.ConversationID, formatTime(e.Timestamp), detail,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"conversation_id", e.ConversationID,
	)
	return nil
}

func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor, action, conversation_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR actor = ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR conversation_id = ?)
	ORDER BY ts DESC, rowid DESC
	LIMIT ?
`

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		since = &str
	}
	if f.Action != nil {
		str := string(*f.Action)
		action = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		f.Actor, f.Actor,
		action, action,
		f.ConversationID, f.ConversationID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e      AuditEntry
			ts     string
			detail *string
		)
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.ConversationID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detail != nil {
			if err := json.Unmarshal([]byte(*detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
