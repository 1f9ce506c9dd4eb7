package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrCheckpointExists is returned when a (conversation_id, seq) pair is
// written twice. Checkpoints are append-only; a collision means two writers
// raced on the same conversation.
var ErrCheckpointExists = errors.New("checkpoint already exists for this sequence")

// ErrNoCheckpoint is returned when a conversation has no checkpoints yet.
var ErrNoCheckpoint = errors.New("no checkpoint for conversation")

// Checkpoint is one durable snapshot of conversation state, taken after a
// graph node completes and before its effects are observable.
type Checkpoint struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int       `json:"seq"`
	Node           string    `json:"node"`
	State          []byte    `json:"state"`
	Terminal       bool      `json:"terminal"`
	CreatedAt      time.Time `json:"created_at"`
}

// AppendCheckpoint persists one checkpoint. Sequence numbers must be unique
// per conversation; rewrites are rejected with ErrCheckpointExists.
func (s *Store) AppendCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.ConversationID == "" {
		return errors.New("checkpoint requires a conversation id")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (conversation_id, seq, node, state, terminal, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.ConversationID, cp.Seq, cp.Node, string(cp.State), boolToInt(cp.Terminal), cp.CreatedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("%w: %s seq %d", ErrCheckpointExists, cp.ConversationID, cp.Seq)
		}
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-sequence checkpoint for a
// conversation, or ErrNoCheckpoint.
func (s *Store) LatestCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, seq, node, state, terminal, created_at
		 FROM checkpoints WHERE conversation_id = ?
		 ORDER BY seq DESC LIMIT 1`, conversationID)
	return scanCheckpoint(row)
}

// Checkpoints returns the full checkpoint history for a conversation in
// sequence order.
func (s *Store) Checkpoints(ctx context.Context, conversationID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, seq, node, state, terminal, created_at
		 FROM checkpoints WHERE conversation_id = ?
		 ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var state string
		var terminal int
		if err := rows.Scan(&cp.ConversationID, &cp.Seq, &cp.Node, &state, &terminal, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cp.State = []byte(state)
		cp.Terminal = terminal != 0
		out = append(out, cp)
	}
	return out, rows.Err()
}

// UnterminatedConversations lists conversations whose latest checkpoint is
// not terminal, which is the recovery set after a crash.
func (s *Store) UnterminatedConversations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.conversation_id
		 FROM checkpoints c
		 JOIN (SELECT conversation_id, MAX(seq) AS max_seq
		       FROM checkpoints GROUP BY conversation_id) latest
		   ON c.conversation_id = latest.conversation_id AND c.seq = latest.max_seq
		 WHERE c.terminal = 0
		 ORDER BY c.conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unterminated conversations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var state string
	var terminal int
	err := row.Scan(&cp.ConversationID, &cp.Seq, &cp.Node, &state, &terminal, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.State = []byte(state)
	cp.Terminal = terminal != 0
	return &cp, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
