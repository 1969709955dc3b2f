package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// queueRepo implements QueueRepository.
type queueRepo struct {
	db *DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *DB) QueueRepository {
	return &queueRepo{db: db}
}

func (r *queueRepo) Create(ctx context.Context, q *models.Queue) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO queues (queue_id, name, strategy, ring_timeout, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))`,
		q.QueueID, q.Name, q.Strategy, q.RingTimeout,
	)
	if err != nil {
		return fmt.Errorf("inserting queue: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	q.ID = id
	return nil
}

func (r *queueRepo) GetByQueueID(ctx context.Context, queueID string) (*models.Queue, error) {
	var q models.Queue
	err := r.db.QueryRowContext(ctx,
		`SELECT id, queue_id, name, strategy, ring_timeout, created_at, updated_at
		 FROM queues WHERE queue_id = ?`, queueID,
	).Scan(&q.ID, &q.QueueID, &q.Name, &q.Strategy, &q.RingTimeout, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue %q: %w", queueID, pbxerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning queue: %w", err)
	}
	return &q, nil
}

func (r *queueRepo) List(ctx context.Context) ([]models.Queue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_id, name, strategy, ring_timeout, created_at, updated_at
		 FROM queues ORDER BY queue_id`)
	if err != nil {
		return nil, fmt.Errorf("querying queues: %w", err)
	}
	defer rows.Close()

	var queues []models.Queue
	for rows.Next() {
		var q models.Queue
		if err := rows.Scan(&q.ID, &q.QueueID, &q.Name, &q.Strategy,
			&q.RingTimeout, &q.CreatedAt, &q.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning queue row: %w", err)
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (r *queueRepo) Update(ctx context.Context, q *models.Queue) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE queues SET queue_id = ?, name = ?, strategy = ?, ring_timeout = ?,
		 updated_at = datetime('now') WHERE id = ?`,
		q.QueueID, q.Name, q.Strategy, q.RingTimeout, q.ID,
	)
	if err != nil {
		return fmt.Errorf("updating queue: %w", err)
	}
	return nil
}

func (r *queueRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue: %w", err)
	}
	return nil
}
