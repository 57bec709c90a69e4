package repository

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/akylbek/payment-system/payment-gateway/internal/models"
)

// SnapshotRepository stores raw provider exchanges for audit. Rows are never
// updated or deleted.
type SnapshotRepository struct {
	store
}

func NewSnapshotRepository(db *sql.DB, d Dialect) *SnapshotRepository {
	return &SnapshotRepository{store{db: db, dialect: d}}
}

func (r *SnapshotRepository) Append(ctx context.Context, s *models.Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	s.CreatedAt = dbTime(s.CreatedAt)
	payload := s.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := r.db.ExecContext(ctx, r.q(`
		INSERT INTO provider_snapshots (id, provider, subject_type, subject_id, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), s.ID, string(s.Provider), nullString(s.SubjectType), nullString(s.SubjectID), s.Kind, payload, s.CreatedAt)
	return err
}

func (r *SnapshotRepository) ListBySubject(ctx context.Context, subjectType, subjectID string) ([]*models.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT id, provider, subject_type, subject_id, kind, payload, created_at
		FROM provider_snapshots
		WHERE subject_type = ? AND subject_id = ?
		ORDER BY created_at, id
	`), subjectType, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Snapshot
	for rows.Next() {
		var (
			s             models.Snapshot
			provider      string
			subjType, sID sql.NullString
		)
		if err := rows.Scan(&s.ID, &provider, &subjType, &sID, &s.Kind, &s.Payload, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Provider = models.Provider(provider)
		s.SubjectType = subjType.String
		s.SubjectID = sID.String
		out = append(out, &s)
	}
	return out, rows.Err()
}
