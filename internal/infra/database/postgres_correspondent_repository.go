package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"uci_middleware/internal/domain/correspondent"

	"github.com/google/uuid"
)

const correspondentColumns = `id, code, bds_identifier, uci_code, conventional_name, type, receive_notifications, notification_email`

type PostgresCorrespondentRepository struct {
	db DBTX
}

func NewPostgresCorrespondentRepository(db DBTX) *PostgresCorrespondentRepository {
	return &PostgresCorrespondentRepository{db: db}
}

func (r *PostgresCorrespondentRepository) GetByID(ctx context.Context, id uuid.UUID) (*correspondent.Correspondent, error) {
	return r.getOne(ctx, `SELECT `+correspondentColumns+` FROM correspondents WHERE id = $1`, id)
}

func (r *PostgresCorrespondentRepository) GetByCode(ctx context.Context, code string) (*correspondent.Correspondent, error) {
	return r.getOne(ctx, `SELECT `+correspondentColumns+` FROM correspondents WHERE code = $1`, code)
}

func (r *PostgresCorrespondentRepository) GetByUciCode(ctx context.Context, uciCode string) (*correspondent.Correspondent, error) {
	return r.getOne(ctx, `SELECT `+correspondentColumns+` FROM correspondents WHERE uci_code = $1`, uciCode)
}

func (r *PostgresCorrespondentRepository) ListNotificationEnabled(ctx context.Context) ([]*correspondent.Correspondent, error) {
	query := `SELECT ` + correspondentColumns + `
               FROM correspondents
               WHERE receive_notifications = TRUE AND notification_email IS NOT NULL AND notification_email <> ''
               ORDER BY conventional_name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error listing notification-enabled correspondents: %w", err)
	}
	defer rows.Close()

	out := make([]*correspondent.Correspondent, 0)
	for rows.Next() {
		c, err := scanCorrespondent(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning correspondent: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating correspondents: %w", err)
	}
	return out, nil
}

func (r *PostgresCorrespondentRepository) getOne(ctx context.Context, query string, arg any) (*correspondent.Correspondent, error) {
	c, err := scanCorrespondent(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %v", correspondent.ErrNotFound, arg)
		}
		return nil, fmt.Errorf("error getting correspondent: %w", err)
	}
	return c, nil
}

func scanCorrespondent(row rowScanner) (*correspondent.Correspondent, error) {
	c := correspondent.Correspondent{}
	err := row.Scan(&c.ID, &c.Code, &c.BdsIdentifier, &c.UciCode, &c.ConventionalName, &c.Type, &c.ReceiveNotifications, &c.NotificationEmail)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
