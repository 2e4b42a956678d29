package store

import (
	"fmt"
	"time"

	"studymate/internal/types"
)

// AppendTurns appends turns to a course's history in one transaction, so a
// (user, model) pair either lands whole or not at all.
func (s *Store) AppendTurns(courseID string, turns ...types.ChatTurn) error {
	if len(turns) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, turn := range turns {
		createdAt := turn.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(
			`INSERT INTO chat_history (course_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			courseID, string(turn.Role), turn.Content, createdAt,
		); err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}
	return tx.Commit()
}

// RecentHistory returns the most recent limit turns of a course in
// chronological order. Ties on created_at break by insertion id, which is
// monotonic.
func (s *Store) RecentHistory(courseID string, limit int) ([]types.ChatTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT id, course_id, role, content, created_at FROM (
			SELECT id, course_id, role, content, created_at
			FROM chat_history
			WHERE course_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		courseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []types.ChatTurn
	for rows.Next() {
		var turn types.ChatTurn
		var role string
		if err := rows.Scan(&turn.ID, &turn.CourseID, &role, &turn.Content, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.Role = types.Role(role)
		out = append(out, turn)
	}
	return out, rows.Err()
}
