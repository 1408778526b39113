package persistence

import (
	"context"
	"fmt"
	"time"
)

// RecordTurn appends a turn outcome under Slug(rec.Session).
// Turns are append-only and may be recorded before the session itself is saved.
func (s *SQLiteStore) RecordTurn(ctx context.Context, rec TurnRecord) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	synthOK := 0
	if rec.SynthOK {
		synthOK = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns (session_name, answer, input_tokens, output_tokens, total_tokens,
			retries, workers_succeeded, workers_failed, synth_ok, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, Slug(rec.Session), rec.Answer, rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Usage.TotalTokens,
		rec.Retries, rec.WorkersSucceeded, rec.WorkersFailed, synthOK,
		rec.Started.UnixNano(), rec.Finished.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// Turns returns the recorded turns of a session in the order they ran.
func (s *SQLiteStore) Turns(ctx context.Context, name string) ([]TurnRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := Slug(name)
	rows, err := s.db.QueryContext(ctx, `
		SELECT answer, input_tokens, output_tokens, total_tokens, retries,
			workers_succeeded, workers_failed, synth_ok, started_at, finished_at
		FROM turns
		WHERE session_name = ?
		ORDER BY id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	records := []TurnRecord{}
	for rows.Next() {
		rec := TurnRecord{Session: key}
		var synthOK int
		var started, finished int64
		if err := rows.Scan(&rec.Answer, &rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.TotalTokens,
			&rec.Retries, &rec.WorkersSucceeded, &rec.WorkersFailed, &synthOK, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		rec.SynthOK = synthOK != 0
		rec.Started = time.Unix(0, started)
		rec.Finished = time.Unix(0, finished)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	return records, nil
}
