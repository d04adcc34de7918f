package lab

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/shared/database"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// Repository provides database operations for test and imaging requests
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new lab repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// tableFor maps a kind to its table. The name comes from this switch and is
// never taken from caller input.
func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindTest:
		return "lab.test_requests", nil
	case KindImaging:
		return "lab.imaging_requests", nil
	default:
		return "", errors.BadRequest(fmt.Sprintf("unknown request kind %q", kind))
	}
}

const requestColumns = `id, patient_id, requesting_doctor_id, test_type, status,
	assigned_lab_id, assigned_technician_id, result, result_notes, requested_at, completed_at`

// Create saves a new request
func (r *Repository) Create(ctx context.Context, req *Request) error {
	table, err := tableFor(req.Kind)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + table + ` (
			id, patient_id, requesting_doctor_id, test_type, status, requested_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.pool.Exec(ctx, query,
		req.ID, req.PatientID, req.RequestingDoctorID, req.TestType, req.Status, req.RequestedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}

	return nil
}

// Get finds a request by ID
func (r *Repository) Get(ctx context.Context, kind Kind, id types.ID) (*Request, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM ` + table + ` WHERE id = $1`

	req, err := scanRequest(kind, r.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("request", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find request")
	}

	return req, nil
}

// List lists requests matching the filter
func (r *Repository) List(ctx context.Context, kind Kind, filter ListFilter) ([]*Request, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + requestColumns + ` FROM ` + table + ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, *filter.Status)
		argPos++
	}
	if filter.AssignedLabID != nil {
		query += fmt.Sprintf(" AND assigned_lab_id = $%d", argPos)
		args = append(args, *filter.AssignedLabID)
		argPos++
	}
	if filter.PatientID != nil {
		query += fmt.Sprintf(" AND patient_id = $%d", argPos)
		args = append(args, *filter.PatientID)
		argPos++
	}

	query += " ORDER BY requested_at DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list requests")
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(kind, rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan request")
		}
		out = append(out, req)
	}

	return out, rows.Err()
}

// Accept claims a request for a lab. The conditional update is the
// serialization point: only a request still in the requested state and not
// assigned elsewhere is claimed, so concurrent labs cannot both win.
func (r *Repository) Accept(ctx context.Context, kind Kind, id, labID types.ID, technicianID *types.ID) (*Request, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("accept_request", time.Since(start)) }()

	var claimed *Request

	err = database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE ` + table + `
			SET status = $2, assigned_lab_id = $3, assigned_technician_id = $4
			WHERE id = $1 AND status = 'requested'
				AND (assigned_lab_id IS NULL OR assigned_lab_id = $3)`

		tag, err := tx.Exec(ctx, query, id, kind.ClaimedStatus(), labID, technicianID)
		if err != nil {
			return errors.Wrap(err, "failed to claim request")
		}
		if tag.RowsAffected() == 0 {
			// Re-read inside the transaction to tell an unknown request from
			// one another lab claimed first.
			current, err := getRequestTx(ctx, tx, table, kind, id)
			if err != nil {
				return err
			}
			if err := current.AcceptableBy(labID); err != nil {
				return errors.Conflict(err.Error())
			}
			return errors.Conflict("request already assigned")
		}

		claimed, err = getRequestTx(ctx, tx, table, kind, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return claimed, nil
}

// UploadResults records results and completes the request. Guarded so only
// the assigned lab can complete it, exactly once.
func (r *Repository) UploadResults(ctx context.Context, kind Kind, id, labID types.ID, result, notes string) (*Request, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	var completed *Request

	err = database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE ` + table + `
			SET status = 'completed', result = $3, result_notes = $4, completed_at = NOW()
			WHERE id = $1 AND assigned_lab_id = $2
				AND status IN ('requested', 'in_progress', 'scheduled')`

		tag, err := tx.Exec(ctx, query, id, labID, result, nullable(notes))
		if err != nil {
			return errors.Wrap(err, "failed to record results")
		}
		if tag.RowsAffected() == 0 {
			current, err := getRequestTx(ctx, tx, table, kind, id)
			if err != nil {
				return err
			}
			if err := current.ResultsUploadableBy(labID); err != nil {
				return errors.Conflict(err.Error())
			}
			return errors.Conflict("request not in an uploadable state")
		}

		completed, err = getRequestTx(ctx, tx, table, kind, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return completed, nil
}

func getRequestTx(ctx context.Context, tx pgx.Tx, table string, kind Kind, id types.ID) (*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM ` + table + ` WHERE id = $1`

	req, err := scanRequest(kind, tx.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("request", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find request")
	}
	return req, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(kind Kind, row rowScanner) (*Request, error) {
	req := &Request{Kind: kind}
	err := row.Scan(
		&req.ID, &req.PatientID, &req.RequestingDoctorID, &req.TestType, &req.Status,
		&req.AssignedLabID, &req.AssignedTechnicianID, &req.Result, &req.ResultNotes,
		&req.RequestedAt, &req.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ Store = (*Repository)(nil)
