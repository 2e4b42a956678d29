package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"studymate/internal/logging"
	"studymate/internal/types"
)

// maxErrorMessageLen caps error_message so runaway runtime errors do not
// bloat the row.
const maxErrorMessageLen = 500

// CreateMaterial inserts a material in pending state together with its raw
// file bytes, in one transaction.
func (s *Store) CreateMaterial(m *types.Material, fileData []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Status = types.StatusPending

	// A nil slice would bind as SQL NULL and violate the NOT NULL
	// constraint on material_files.data; an empty upload is still a row.
	if fileData == nil {
		fileData = []byte{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO materials (id, course_id, name, media_type, size_bytes, processing_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CourseID, m.Name, m.MediaType, m.SizeBytes, string(types.StatusPending), m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert material: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO material_files (material_id, data) VALUES (?, ?)`,
		m.ID, fileData,
	); err != nil {
		return fmt.Errorf("failed to insert material file: %w", err)
	}
	return tx.Commit()
}

// GetMaterial loads one material, embedding included.
func (s *Store) GetMaterial(id string) (*types.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, course_id, name, media_type, size_bytes, extracted_text,
		        embedding, processing_status, processed_at, error_message, created_at
		 FROM materials WHERE id = ?`, id)
	return scanMaterial(row)
}

// MaterialFile returns the raw uploaded bytes for a material.
func (s *Store) MaterialFile(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRow(`SELECT data FROM material_files WHERE material_id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "material file not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load material file: %w", err)
	}
	return data, nil
}

// ListMaterials returns all materials of a course, newest first, without
// embedding payloads.
func (s *Store) ListMaterials(courseID string) ([]types.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, course_id, name, media_type, size_bytes, extracted_text,
		        embedding IS NOT NULL, processing_status, processed_at, error_message, created_at
		 FROM materials WHERE course_id = ? ORDER BY created_at DESC, id DESC`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list materials: %w", err)
	}
	defer rows.Close()

	var out []types.Material
	for rows.Next() {
		var m types.Material
		var hasEmbedding bool
		var processedAt sql.NullTime
		var status string
		if err := rows.Scan(&m.ID, &m.CourseID, &m.Name, &m.MediaType, &m.SizeBytes,
			&m.ExtractedText, &hasEmbedding, &status, &processedAt, &m.ErrorMessage, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan material: %w", err)
		}
		m.Status = types.ProcessingStatus(status)
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		if hasEmbedding {
			// Listing only reports presence; the vector itself stays in
			// the database.
			m.Embedding = []float32{}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ClaimMaterial atomically transitions pending → processing. Returns false
// when the material is in any other state, which makes processing
// idempotent under concurrent attempts.
func (s *Store) ClaimMaterial(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE materials SET processing_status = ?, error_message = ''
		 WHERE id = ? AND processing_status = ?`,
		string(types.StatusProcessing), id, string(types.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim material: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteMaterial is the single terminal write of a successful run: text,
// optional embedding, completed status, and processed_at all land together.
// Only a material in processing state can complete.
func (s *Store) CompleteMaterial(id, text string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blob []byte
	if embedding != nil {
		if len(embedding) != s.embedDim {
			return types.E(types.KindDimensionMismatch,
				fmt.Sprintf("embedding dimension %d, expected %d", len(embedding), s.embedDim))
		}
		blob = serializeVector(embedding)
	}

	res, err := s.db.Exec(
		`UPDATE materials
		 SET extracted_text = ?, embedding = ?, processing_status = ?, processed_at = ?, error_message = ''
		 WHERE id = ? AND processing_status = ?`,
		text, blob, string(types.StatusCompleted), time.Now().UTC(), id, string(types.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to complete material: %w", err)
	}
	return requireOneRow(res, id, "complete")
}

// FailMaterial records a terminal failure with a truncated reason.
func (s *Store) FailMaterial(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(reason) > maxErrorMessageLen {
		reason = reason[:maxErrorMessageLen]
	}
	res, err := s.db.Exec(
		`UPDATE materials
		 SET processing_status = ?, error_message = ?, processed_at = ?
		 WHERE id = ? AND processing_status = ?`,
		string(types.StatusFailed), reason, time.Now().UTC(), id, string(types.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to mark material failed: %w", err)
	}
	return requireOneRow(res, id, "fail")
}

// ResetFailed is the explicit administrative retry action: failed → pending.
func (s *Store) ResetFailed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE materials
		 SET processing_status = ?, error_message = '', extracted_text = '', embedding = NULL, processed_at = NULL
		 WHERE id = ? AND processing_status = ?`,
		string(types.StatusPending), id, string(types.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to reset material: %w", err)
	}
	return requireOneRow(res, id, "reset")
}

// ResetStuck returns processing rows to pending. The queue does not survive
// restarts, so rows stuck in processing after a crash need this
// administrative sweep.
func (s *Store) ResetStuck() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE materials SET processing_status = ? WHERE processing_status = ?`,
		string(types.StatusPending), string(types.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck materials: %w", err)
	}
	return res.RowsAffected()
}

// PendingMaterialIDs returns all pending materials, oldest first. The queue
// has no persistence, so the server replays this backlog at boot.
func (s *Store) PendingMaterialIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id FROM materials WHERE processing_status = ? ORDER BY created_at ASC, id ASC`,
		string(types.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending materials: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CompletedWithEmbeddings returns the search-eligible materials of a course:
// completed, embedding present, dimension D. Rows are ordered by creation
// time ascending so downstream ranking ties break stably.
func (s *Store) CompletedWithEmbeddings(courseID string) ([]types.Material, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, course_id, name, media_type, size_bytes, extracted_text,
		        embedding, processing_status, processed_at, error_message, created_at
		 FROM materials
		 WHERE course_id = ? AND processing_status = ? AND embedding IS NOT NULL
		 ORDER BY created_at ASC, id ASC`,
		courseID, string(types.StatusCompleted))
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	log := logging.Get(logging.CategoryStore)
	var out []types.Material
	for rows.Next() {
		m, err := scanMaterialRows(rows)
		if err != nil {
			return nil, err
		}
		if len(m.Embedding) != s.embedDim {
			// Mixed-dimension rows are a deployment defect; skip loudly
			// rather than corrupt ranking.
			log.Errorw("stored embedding has wrong dimension",
				"material_id", m.ID, "got", len(m.Embedding), "want", s.embedDim)
			continue
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// CompletedBySimilarity is the sqlite-vec variant of CompletedWithEmbeddings:
// the cosine distance is computed inside SQLite and rows come back ordered by
// similarity descending, creation time ascending on ties. Callers must check
// HasVectorExt first; wrong-dimension rows are filtered out like the Go path.
func (s *Store) CompletedBySimilarity(courseID string, query []float32) ([]types.Material, []float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, course_id, name, media_type, size_bytes, extracted_text,
		        embedding, processing_status, processed_at, error_message, created_at,
		        1.0 - vec_distance_cosine(embedding, ?) AS similarity
		 FROM materials
		 WHERE course_id = ? AND processing_status = ? AND embedding IS NOT NULL
		   AND length(embedding) = ?
		 ORDER BY similarity DESC, created_at ASC, id ASC`,
		serializeVector(query), courseID, string(types.StatusCompleted), s.embedDim*4)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to rank embeddings: %w", err)
	}
	defer rows.Close()

	var out []types.Material
	var sims []float64
	for rows.Next() {
		var m types.Material
		var blob []byte
		var processedAt sql.NullTime
		var status string
		var sim sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.CourseID, &m.Name, &m.MediaType, &m.SizeBytes,
			&m.ExtractedText, &blob, &status, &processedAt, &m.ErrorMessage, &m.CreatedAt, &sim); err != nil {
			return nil, nil, fmt.Errorf("failed to scan ranked material: %w", err)
		}
		m.Status = types.ProcessingStatus(status)
		if processedAt.Valid {
			t := processedAt.Time
			m.ProcessedAt = &t
		}
		if m.Embedding, err = deserializeVector(blob); err != nil {
			return nil, nil, err
		}
		out = append(out, m)
		sims = append(sims, sim.Float64)
	}
	return out, sims, rows.Err()
}

// DeleteCourse removes a course's materials, files, and chat history.
// Invoked by the external CRUD layer's cascade.
func (s *Store) DeleteCourse(courseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM material_files WHERE material_id IN (SELECT id FROM materials WHERE course_id = ?)`,
		courseID); err != nil {
		return fmt.Errorf("failed to delete material files: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM materials WHERE course_id = ?`, courseID); err != nil {
		return fmt.Errorf("failed to delete materials: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chat_history WHERE course_id = ?`, courseID); err != nil {
		return fmt.Errorf("failed to delete chat history: %w", err)
	}
	return tx.Commit()
}

func requireOneRow(res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return types.E(types.KindNotFound,
			fmt.Sprintf("cannot %s material %s: not found or wrong state", op, id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMaterial(row rowScanner) (*types.Material, error) {
	m, err := scanMaterialRows(row)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func scanMaterialRows(row rowScanner) (*types.Material, error) {
	var m types.Material
	var blob []byte
	var processedAt sql.NullTime
	var status string

	err := row.Scan(&m.ID, &m.CourseID, &m.Name, &m.MediaType, &m.SizeBytes,
		&m.ExtractedText, &blob, &status, &processedAt, &m.ErrorMessage, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.E(types.KindNotFound, "material not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan material: %w", err)
	}

	m.Status = types.ProcessingStatus(status)
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	if m.Embedding, err = deserializeVector(blob); err != nil {
		return nil, err
	}
	return &m, nil
}
