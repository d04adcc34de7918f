package directory

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/types"
)

// PostgresDirectory serves directory lookups from the portal's own
// directory schema.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a Postgres-backed directory
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) PatientExists(ctx context.Context, patientID types.ID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM directory.patients WHERE id = $1)`, patientID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check patient existence")
	}
	return exists, nil
}

func (d *PostgresDirectory) DoctorExists(ctx context.Context, doctorID types.ID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM directory.doctors WHERE id = $1)`, doctorID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check doctor existence")
	}
	return exists, nil
}

func (d *PostgresDirectory) DoctorAffiliated(ctx context.Context, doctorID, hospitalID types.ID) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM directory.doctor_affiliations
			WHERE doctor_id = $1 AND hospital_id = $2
		)`, doctorID, hospitalID).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check doctor affiliation")
	}
	return exists, nil
}

var _ Directory = (*PostgresDirectory)(nil)
