package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, session_id, source_ext, target_ext,
		 initiated_at, connected_at, ended_at, disposition, menu_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallID, cdr.SessionID, cdr.SourceExt, cdr.TargetExt,
		cdr.InitiatedAt, cdr.ConnectedAt, cdr.EndedAt, cdr.Disposition, cdr.MenuPath,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

func (r *cdrRepo) GetByCallID(ctx context.Context, callID string) (*models.CDR, error) {
	var c models.CDR
	err := r.db.QueryRowContext(ctx,
		`SELECT id, call_id, session_id, source_ext, target_ext,
		 initiated_at, connected_at, ended_at, disposition, menu_path
		 FROM cdrs WHERE call_id = ?`, callID,
	).Scan(&c.ID, &c.CallID, &c.SessionID, &c.SourceExt, &c.TargetExt,
		&c.InitiatedAt, &c.ConnectedAt, &c.EndedAt, &c.Disposition, &c.MenuPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cdr for call %q: %w", callID, pbxerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return &c, nil
}

func (r *cdrRepo) ListRecent(ctx context.Context, limit int) ([]models.CDR, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, session_id, source_ext, target_ext,
		 initiated_at, connected_at, ended_at, disposition, menu_path
		 FROM cdrs ORDER BY initiated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.ID, &c.CallID, &c.SessionID, &c.SourceExt, &c.TargetExt,
			&c.InitiatedAt, &c.ConnectedAt, &c.EndedAt, &c.Disposition, &c.MenuPath); err != nil {
			return nil, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, c)
	}
	return cdrs, rows.Err()
}

func (r *cdrRepo) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM cdrs GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var count int64
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, fmt.Errorf("scanning cdr count row: %w", err)
		}
		counts[disposition] = count
	}
	return counts, rows.Err()
}
