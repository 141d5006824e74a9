package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"uci_middleware/internal/domain/correspondent"
	"uci_middleware/internal/domain/submission"
)

// PostgresUnitOfWork is a submission.UnitOfWork backed by a database/sql
// transaction. Repositories are built once in the constructor and route every
// statement through the unit of work, so they see the open transaction when
// there is one and the pool otherwise.
//
// Not safe for concurrent use; create one per operation.
type PostgresUnitOfWork struct {
	db *sql.DB
	tx *sql.Tx

	submissions    *PostgresSubmissionRepository
	errors         *PostgresErrorRepository
	correspondents *PostgresCorrespondentRepository
}

func NewPostgresUnitOfWork(db *sql.DB) *PostgresUnitOfWork {
	u := &PostgresUnitOfWork{db: db}
	u.submissions = NewPostgresSubmissionRepository(u)
	u.errors = NewPostgresErrorRepository(u)
	u.correspondents = NewPostgresCorrespondentRepository(u)
	return u
}

// Begin opens a transaction bound to ctx. If ctx is cancelled before Commit,
// database/sql rolls the transaction back.
func (u *PostgresUnitOfWork) Begin(ctx context.Context) error {
	if u.tx != nil {
		return submission.ErrTransactionAlreadyActive
	}
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	u.tx = tx
	return nil
}

func (u *PostgresUnitOfWork) Commit() error {
	if u.tx == nil {
		return submission.ErrNoActiveTransaction
	}
	tx := u.tx
	u.tx = nil // the transaction is finished whatever Commit returns
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (u *PostgresUnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil
	}
	tx := u.tx
	u.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

func (u *PostgresUnitOfWork) InTransaction() bool {
	return u.tx != nil
}

func (u *PostgresUnitOfWork) Submissions() submission.Repository       { return u.submissions }
func (u *PostgresUnitOfWork) Errors() submission.ErrorRepository       { return u.errors }
func (u *PostgresUnitOfWork) Correspondents() correspondent.Repository { return u.correspondents }

func (u *PostgresUnitOfWork) conn() DBTX {
	if u.tx != nil {
		return u.tx
	}
	return u.db
}

func (u *PostgresUnitOfWork) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return u.conn().ExecContext(ctx, query, args...)
}

func (u *PostgresUnitOfWork) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return u.conn().QueryContext(ctx, query, args...)
}

func (u *PostgresUnitOfWork) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return u.conn().QueryRowContext(ctx, query, args...)
}

// PostgresUnitOfWorkFactory hands out one PostgresUnitOfWork per operation.
type PostgresUnitOfWorkFactory struct {
	db *sql.DB
}

func NewPostgresUnitOfWorkFactory(db *sql.DB) *PostgresUnitOfWorkFactory {
	return &PostgresUnitOfWorkFactory{db: db}
}

func (f *PostgresUnitOfWorkFactory) NewUnitOfWork() submission.UnitOfWork {
	return NewPostgresUnitOfWork(f.db)
}
