// internal/infra/database/postgres_memory_repository.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"companion_bot/internal/domain/memory"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrRecordNotFound is returned when a delete targets a record that does not
// exist. Callers treat it as already-deleted.
var ErrRecordNotFound = fmt.Errorf("memory record not found")

// PostgresMemoryRepository implements memory.Store on an append-only
// memory_records table. Search ranks with Postgres full-text search, so
// results are similarity-ordered and may contain false positives, which is
// the contract callers are expected to defend against.
type PostgresMemoryRepository struct {
	db *sql.DB
}

func NewPostgresMemoryRepository(db *sql.DB) *PostgresMemoryRepository {
	return &PostgresMemoryRepository{db: db}
}

// EnsureSchema creates the memory_records table and its search index if they
// are missing. Safe to call on every startup.
func (r *PostgresMemoryRepository) EnsureSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS memory_records (
		id         BIGSERIAL PRIMARY KEY,
		subject_id TEXT        NOT NULL,
		content    TEXT        NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS memory_records_subject_idx
		ON memory_records (subject_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS memory_records_content_fts_idx
		ON memory_records USING GIN (to_tsvector('simple', content));`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("error ensuring memory_records schema: %w", err)
	}
	return nil
}

// Add appends one record per text under the given subject.
func (r *PostgresMemoryRepository) Add(ctx context.Context, texts []string, subjectID string) error {
	if len(texts) == 0 {
		return nil
	}
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for memory add: %w", err)
	}
	defer txn.Rollback() // Rollback if not committed

	stmt, err := txn.PrepareContext(ctx, `INSERT INTO memory_records (subject_id, content) VALUES ($1, $2)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement for memory add: %w", err)
	}
	defer stmt.Close()

	for _, text := range texts {
		if _, err := stmt.ExecContext(ctx, subjectID, text); err != nil {
			return fmt.Errorf("error appending memory record for subject %s: %w", subjectID, err)
		}
	}
	return txn.Commit()
}

// Search returns up to limit records for the subject, best text-search rank
// first and newest first within equal rank. Queries that do not tokenize
// (pure punctuation, underscored markers) still match via substring
// containment.
func (r *PostgresMemoryRepository) Search(ctx context.Context, query string, subjectID string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	const q = `
		SELECT id, content, created_at
		FROM memory_records
		WHERE subject_id = $1
		  AND (to_tsvector('simple', content) @@ plainto_tsquery('simple', $2)
		       OR content ILIKE '%' || $2 || '%')
		ORDER BY ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $2)) DESC,
		         created_at DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, q, subjectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error searching memory records for subject %s: %w", subjectID, err)
	}
	defer rows.Close()

	var records []memory.Record
	for rows.Next() {
		var id int64
		var rec memory.Record
		if err := rows.Scan(&id, &rec.Text, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning memory record: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memory records: %w", err)
	}
	return records, nil
}

// Delete removes a single record by ID.
func (r *PostgresMemoryRepository) Delete(ctx context.Context, recordID string) error {
	id, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid memory record id %q: %w", recordID, err)
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM memory_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting memory record %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}
