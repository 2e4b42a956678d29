package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"studymate/internal/types"
)

// Profiles are written by external CRUD routes; the core only reads them.
// The writers live here too so the external layer and tests share one
// implementation.

// PutAcademic upserts a user's academic profile.
func (s *Store) PutAcademic(userID string, profile types.AcademicProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO academic (user_id, grades, semester_type, semester_number, subjects)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   grades = excluded.grades,
		   semester_type = excluded.semester_type,
		   semester_number = excluded.semester_number,
		   subjects = excluded.subjects`,
		userID, strings.Join(profile.Grades, ","), profile.SemesterType,
		profile.SemesterNumber, strings.Join(profile.Subjects, ","),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert academic profile: %w", err)
	}
	return nil
}

// Academic loads a user's academic profile. A missing row is NotFound; the
// composer treats that as "no personalization", not an error. Reads sit on
// the chat hot path, so the caller bounds them with ctx.
func (s *Store) Academic(ctx context.Context, userID string) (*types.AcademicProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var grades, semesterType, subjects string
	var semesterNumber int
	err := s.db.QueryRowContext(ctx,
		`SELECT grades, semester_type, semester_number, subjects FROM academic WHERE user_id = ?`,
		userID,
	).Scan(&grades, &semesterType, &semesterNumber, &subjects)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "academic profile not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load academic profile: %w", err)
	}

	return &types.AcademicProfile{
		Grades:         splitNonEmpty(grades),
		SemesterType:   semesterType,
		SemesterNumber: semesterNumber,
		Subjects:       splitNonEmpty(subjects),
	}, nil
}

// PutPreferences upserts a user's personalization preferences as JSON.
func (s *Store) PutPreferences(userID string, prefs types.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO personalized (user_id, prefs) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET prefs = excluded.prefs`,
		userID, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// Preferences loads a user's preferences. Missing row is NotFound.
func (s *Store) Preferences(ctx context.Context, userID string) (*types.Preferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT prefs FROM personalized WHERE user_id = ?`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "preferences not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load preferences: %w", err)
	}

	var prefs types.Preferences
	if err := json.Unmarshal([]byte(raw), &prefs); err != nil {
		return nil, fmt.Errorf("failed to parse preferences: %w", err)
	}
	return &prefs, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
