package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wirepbx/wirepbx/internal/database/models"
	"github.com/wirepbx/wirepbx/internal/pbxerr"
)

// voicemailBoxRepo implements VoicemailBoxRepository.
type voicemailBoxRepo struct {
	db *DB
}

// NewVoicemailBoxRepository creates a new VoicemailBoxRepository.
func NewVoicemailBoxRepository(db *DB) VoicemailBoxRepository {
	return &voicemailBoxRepo{db: db}
}

func (r *voicemailBoxRepo) Create(ctx context.Context, box *models.VoicemailBox) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO voicemail_boxes (mailbox_number, name, created_at, updated_at)
		 VALUES (?, ?, datetime('now'), datetime('now'))`,
		box.MailboxNumber, box.Name,
	)
	if err != nil {
		return fmt.Errorf("inserting voicemail box: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	box.ID = id
	return nil
}

func (r *voicemailBoxRepo) GetByMailbox(ctx context.Context, mailboxNumber string) (*models.VoicemailBox, error) {
	var b models.VoicemailBox
	err := r.db.QueryRowContext(ctx,
		`SELECT id, mailbox_number, name, created_at, updated_at
		 FROM voicemail_boxes WHERE mailbox_number = ?`, mailboxNumber,
	).Scan(&b.ID, &b.MailboxNumber, &b.Name, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("voicemail box %q: %w", mailboxNumber, pbxerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning voicemail box: %w", err)
	}
	return &b, nil
}

func (r *voicemailBoxRepo) List(ctx context.Context) ([]models.VoicemailBox, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, mailbox_number, name, created_at, updated_at
		 FROM voicemail_boxes ORDER BY mailbox_number`)
	if err != nil {
		return nil, fmt.Errorf("querying voicemail boxes: %w", err)
	}
	defer rows.Close()

	var boxes []models.VoicemailBox
	for rows.Next() {
		var b models.VoicemailBox
		if err := rows.Scan(&b.ID, &b.MailboxNumber, &b.Name, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning voicemail box row: %w", err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

func (r *voicemailBoxRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM voicemail_boxes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting voicemail box: %w", err)
	}
	return nil
}
