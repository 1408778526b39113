package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/multiworker/internal/backend"
)

// ErrSessionNotFound is returned by LoadSession for unknown names.
var ErrSessionNotFound = errors.New("session not found")

var slugInvalid = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Slug maps a user-supplied session name to its stored key. Runs of other
// characters become a single underscore; an empty result becomes "session".
func Slug(name string) string {
	s := strings.Trim(slugInvalid.ReplaceAllString(name, "_"), "_")
	if s == "" {
		return "session"
	}
	return s
}

// SaveSession stores the session under Slug(sess.Name), replacing any
// previous history with the same key. It returns the key used.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *Session) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := Slug(sess.Name)

	// Serializable isolation maps to BEGIN IMMEDIATE
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t := sess.Totals
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (name, model, input_tokens, output_tokens, total_tokens, turns, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			model = excluded.model,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			turns = excluded.turns,
			updated_at = excluded.updated_at
	`, key, sess.Model, t.InputTokens, t.OutputTokens, t.TotalTokens, t.Turns, s.now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_name = ?`, key); err != nil {
		return "", fmt.Errorf("failed to clear old history: %w", err)
	}

	for i, m := range sess.History {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_name, seq, role, content)
			VALUES (?, ?, ?, ?)
		`, key, i, m.Role, m.Content)
		if err != nil {
			return "", fmt.Errorf("failed to save message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return key, nil
}

// LoadSession retrieves a session by name. The name is slugged first, so
// "My Chat" and "My_Chat" load the same session.
// Returns a wrapped ErrSessionNotFound if nothing is stored under the key.
func (s *SQLiteStore) LoadSession(ctx context.Context, name string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := Slug(name)
	sess := &Session{Name: key}

	var updated int64
	err := s.db.QueryRowContext(ctx, `
		SELECT model, input_tokens, output_tokens, total_tokens, turns, updated_at
		FROM sessions
		WHERE name = ?
	`, key).Scan(&sess.Model, &sess.Totals.InputTokens, &sess.Totals.OutputTokens,
		&sess.Totals.TotalTokens, &sess.Totals.Turns, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	sess.UpdatedAt = time.Unix(0, updated)

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content
		FROM messages
		WHERE session_name = ?
		ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	sess.History = []backend.Message{}
	for rows.Next() {
		var m backend.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sess.History = append(sess.History, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}

	return sess, nil
}

// ListSessions returns stored sessions, most recently updated first.
// Returns empty slice (not nil) if there are none.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, turns, total_tokens, updated_at
		FROM sessions
		ORDER BY updated_at DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	infos := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var updated int64
		if err := rows.Scan(&info.Name, &info.Turns, &info.TotalTokens, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return infos, nil
}
