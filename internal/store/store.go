package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"appointment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// reader implements Reader on top of a queryer
type reader struct {
	q queryer
}

// Store is the Postgres-backed Ledger
type Store struct {
	reader
	db *sqlx.DB
}

var _ Ledger = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{reader: reader{q: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a database transaction
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{reader: reader{q: tx}, tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateDoctor inserts a doctor
func (s *Store) CreateDoctor(ctx context.Context, doctor *models.Doctor) error {
	query := `
		INSERT INTO doctors (name, specialization, consultation_fee, is_available)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	return mapErr(s.db.GetContext(ctx, doctor, query,
		doctor.Name, doctor.Specialization, doctor.ConsultationFee, doctor.IsAvailable))
}

// CreatePatient inserts a patient
func (s *Store) CreatePatient(ctx context.Context, patient *models.Patient) error {
	query := `
		INSERT INTO patients (name, phone, email)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	return mapErr(s.db.GetContext(ctx, patient, query, patient.Name, patient.Phone, patient.Email))
}

// pgTx implements Tx on a *sqlx.Tx
type pgTx struct {
	reader
	tx *sqlx.Tx
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
	}
	return err
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func dateArg(t time.Time) string {
	return t.Format(DateLayout)
}
