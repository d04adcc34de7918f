package infrastructure

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/bed/domain"
	"github.com/meditrack/portal/internal/shared/database"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// PostgresRepository implements domain.Repository using PostgreSQL
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ domain.Repository = (*PostgresRepository)(nil)

const bedColumns = `id, hospital_id, bed_number, ward, bed_type,
	maintenance_status, is_occupied, current_admission_id, created_at, updated_at`

const admissionColumns = `id, patient_id, hospital_id, doctor_id, bed_id,
	bed_number, ward, reason, admission_date, discharge_date, discharge_reason`

// CreateBed saves a new bed
func (r *PostgresRepository) CreateBed(ctx context.Context, bed *domain.Bed) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("create_bed", time.Since(start)) }()

	query := `
		INSERT INTO hospital.beds (
			id, hospital_id, bed_number, ward, bed_type,
			maintenance_status, is_occupied, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.pool.Exec(ctx, query,
		bed.ID, bed.HospitalID, bed.BedNumber, bed.Ward, bed.Type,
		bed.MaintenanceStatus, bed.IsOccupied, bed.CreatedAt, bed.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("bed number already exists in this hospital")
		}
		return errors.Wrap(err, "failed to create bed")
	}

	return nil
}

// GetBed finds a bed scoped to the caller's hospital
func (r *PostgresRepository) GetBed(ctx context.Context, hospitalID, bedID types.ID) (*domain.Bed, error) {
	query := `SELECT ` + bedColumns + ` FROM hospital.beds WHERE id = $1 AND hospital_id = $2`

	bed, err := scanBed(r.pool.QueryRow(ctx, query, bedID, hospitalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("bed", bedID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find bed")
	}

	return bed, nil
}

// ListBeds lists beds in the caller's hospital, optionally filtered by ward
func (r *PostgresRepository) ListBeds(ctx context.Context, hospitalID types.ID, ward string) ([]*domain.Bed, error) {
	query := `SELECT ` + bedColumns + ` FROM hospital.beds WHERE hospital_id = $1`
	args := []any{hospitalID}

	if ward != "" {
		query += ` AND ward = $2`
		args = append(args, ward)
	}
	query += ` ORDER BY ward, bed_number`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list beds")
	}
	defer rows.Close()

	var beds []*domain.Bed
	for rows.Next() {
		bed, err := scanBed(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan bed")
		}
		beds = append(beds, bed)
	}

	return beds, rows.Err()
}

// WardStats aggregates occupancy per ward for the caller's hospital
func (r *PostgresRepository) WardStats(ctx context.Context, hospitalID types.ID) ([]domain.WardStats, error) {
	query := `
		SELECT ward,
			COUNT(*),
			COUNT(*) FILTER (WHERE is_occupied),
			COUNT(*) FILTER (WHERE NOT is_occupied AND maintenance_status = 'available'),
			COUNT(*) FILTER (WHERE maintenance_status <> 'available')
		FROM hospital.beds
		WHERE hospital_id = $1
		GROUP BY ward
		ORDER BY ward`

	rows, err := r.pool.Query(ctx, query, hospitalID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to aggregate ward stats")
	}
	defer rows.Close()

	var stats []domain.WardStats
	for rows.Next() {
		var s domain.WardStats
		if err := rows.Scan(&s.Ward, &s.TotalBeds, &s.Occupied, &s.Available, &s.Maintenance); err != nil {
			return nil, errors.Wrap(err, "failed to scan ward stats")
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

// Assign admits a patient to a bed. The admission insert and the occupancy
// update commit together; the update's WHERE clause is the serialization
// point, so two concurrent assigns to the same bed cannot both succeed.
func (r *PostgresRepository) Assign(ctx context.Context, hospitalID, bedID, patientID, doctorID types.ID, reason string) (*domain.Admission, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("assign_bed", time.Since(start)) }()

	var admission *domain.Admission

	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		bed, err := getBedTx(ctx, tx, hospitalID, bedID)
		if err != nil {
			return err
		}

		admission, err = domain.NewAdmission(patientID, doctorID, bed, reason)
		if err != nil {
			return errors.Conflict(err.Error())
		}

		tag, err := tx.Exec(ctx, `
			UPDATE hospital.beds
			SET is_occupied = TRUE, current_admission_id = $3, updated_at = NOW()
			WHERE id = $1 AND hospital_id = $2
				AND is_occupied = FALSE AND maintenance_status = 'available'`,
			bedID, hospitalID, admission.ID,
		)
		if err != nil {
			return errors.Wrap(err, "failed to occupy bed")
		}
		if tag.RowsAffected() == 0 {
			// Lost the race since the read above.
			if bed.MaintenanceStatus != domain.MaintenanceAvailable {
				return errors.Conflict("bed is not available for assignment")
			}
			return errors.Conflict("bed already occupied")
		}

		return insertAdmission(ctx, tx, admission)
	})
	if err != nil {
		return nil, err
	}

	return admission, nil
}

// Transfer moves the admission occupying oldBedID onto newBedID. All three
// writes (free old, occupy new, move snapshot) commit or roll back together.
func (r *PostgresRepository) Transfer(ctx context.Context, hospitalID, oldBedID, newBedID types.ID, reason string) (*domain.Admission, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("transfer_bed", time.Since(start)) }()

	var admission *domain.Admission

	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		// Lock the old bed row so the admission it points at cannot move
		// under us.
		oldBed, err := getBedTxForUpdate(ctx, tx, hospitalID, oldBedID)
		if err != nil {
			return err
		}
		if !oldBed.IsOccupied || oldBed.CurrentAdmissionID == nil {
			return errors.Conflict("bed is not occupied")
		}
		admissionID := *oldBed.CurrentAdmissionID

		newBed, err := getBedTx(ctx, tx, hospitalID, newBedID)
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE hospital.beds
			SET is_occupied = TRUE, current_admission_id = $3, updated_at = NOW()
			WHERE id = $1 AND hospital_id = $2
				AND is_occupied = FALSE AND maintenance_status = 'available'`,
			newBedID, hospitalID, admissionID,
		)
		if err != nil {
			return errors.Wrap(err, "failed to occupy target bed")
		}
		if tag.RowsAffected() == 0 {
			if newBed.MaintenanceStatus != domain.MaintenanceAvailable {
				return errors.Conflict("target bed is not available")
			}
			return errors.Conflict("target bed already occupied")
		}

		tag, err = tx.Exec(ctx, `
			UPDATE hospital.beds
			SET is_occupied = FALSE, current_admission_id = NULL, updated_at = NOW()
			WHERE id = $1 AND hospital_id = $2 AND current_admission_id = $3`,
			oldBedID, hospitalID, admissionID,
		)
		if err != nil {
			return errors.Wrap(err, "failed to free source bed")
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflict("admission no longer occupies the source bed")
		}

		tag, err = tx.Exec(ctx, `
			UPDATE hospital.admissions
			SET bed_id = $3, bed_number = $4, ward = $5
			WHERE id = $1 AND hospital_id = $2 AND discharge_date IS NULL`,
			admissionID, hospitalID, newBed.ID, newBed.BedNumber, newBed.Ward,
		)
		if err != nil {
			return errors.Wrap(err, "failed to update admission")
		}
		if tag.RowsAffected() == 0 {
			return errors.Conflict("admission already discharged")
		}

		admission, err = getAdmissionTx(ctx, tx, hospitalID, admissionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return admission, nil
}

// Discharge closes the admission and frees its bed in the same transaction,
// keeping occupancy and active admissions consistent.
func (r *PostgresRepository) Discharge(ctx context.Context, hospitalID, admissionID types.ID, date time.Time, reason string) (*domain.Admission, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("discharge", time.Since(start)) }()

	var admission *domain.Admission

	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		var dischargeReason *string
		if reason != "" {
			dischargeReason = &reason
		}

		tag, err := tx.Exec(ctx, `
			UPDATE hospital.admissions
			SET discharge_date = $3, discharge_reason = $4
			WHERE id = $1 AND hospital_id = $2 AND discharge_date IS NULL`,
			admissionID, hospitalID, date, dischargeReason,
		)
		if err != nil {
			return errors.Wrap(err, "failed to discharge admission")
		}
		if tag.RowsAffected() == 0 {
			// Re-read to tell an unknown admission from a repeated discharge.
			if _, err := getAdmissionTx(ctx, tx, hospitalID, admissionID); err != nil {
				return err
			}
			return errors.Conflict("admission already discharged")
		}

		_, err = tx.Exec(ctx, `
			UPDATE hospital.beds
			SET is_occupied = FALSE, current_admission_id = NULL, updated_at = NOW()
			WHERE hospital_id = $1 AND current_admission_id = $2`,
			hospitalID, admissionID,
		)
		if err != nil {
			return errors.Wrap(err, "failed to free bed")
		}

		admission, err = getAdmissionTx(ctx, tx, hospitalID, admissionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return admission, nil
}

// GetAdmission finds an admission scoped to the caller's hospital
func (r *PostgresRepository) GetAdmission(ctx context.Context, hospitalID, admissionID types.ID) (*domain.Admission, error) {
	query := `SELECT ` + admissionColumns + ` FROM hospital.admissions WHERE id = $1 AND hospital_id = $2`

	a, err := scanAdmission(r.pool.QueryRow(ctx, query, admissionID, hospitalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("admission", admissionID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find admission")
	}

	return a, nil
}

// --- transaction-scoped helpers ---

func getBedTx(ctx context.Context, tx pgx.Tx, hospitalID, bedID types.ID) (*domain.Bed, error) {
	query := `SELECT ` + bedColumns + ` FROM hospital.beds WHERE id = $1 AND hospital_id = $2`

	bed, err := scanBed(tx.QueryRow(ctx, query, bedID, hospitalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("bed", bedID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find bed")
	}
	return bed, nil
}

func getBedTxForUpdate(ctx context.Context, tx pgx.Tx, hospitalID, bedID types.ID) (*domain.Bed, error) {
	query := `SELECT ` + bedColumns + ` FROM hospital.beds WHERE id = $1 AND hospital_id = $2 FOR UPDATE`

	bed, err := scanBed(tx.QueryRow(ctx, query, bedID, hospitalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("bed", bedID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock bed")
	}
	return bed, nil
}

func getAdmissionTx(ctx context.Context, tx pgx.Tx, hospitalID, admissionID types.ID) (*domain.Admission, error) {
	query := `SELECT ` + admissionColumns + ` FROM hospital.admissions WHERE id = $1 AND hospital_id = $2`

	a, err := scanAdmission(tx.QueryRow(ctx, query, admissionID, hospitalID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("admission", admissionID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find admission")
	}
	return a, nil
}

func insertAdmission(ctx context.Context, tx pgx.Tx, a *domain.Admission) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO hospital.admissions (
			id, patient_id, hospital_id, doctor_id, bed_id,
			bed_number, ward, reason, admission_date
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.PatientID, a.HospitalID, a.DoctorID, a.BedID,
		a.BedNumber, a.Ward, a.Reason, a.AdmissionDate,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create admission")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBed(row rowScanner) (*domain.Bed, error) {
	bed := &domain.Bed{}
	err := row.Scan(
		&bed.ID, &bed.HospitalID, &bed.BedNumber, &bed.Ward, &bed.Type,
		&bed.MaintenanceStatus, &bed.IsOccupied, &bed.CurrentAdmissionID,
		&bed.CreatedAt, &bed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return bed, nil
}

func scanAdmission(row rowScanner) (*domain.Admission, error) {
	a := &domain.Admission{}
	err := row.Scan(
		&a.ID, &a.PatientID, &a.HospitalID, &a.DoctorID, &a.BedID,
		&a.BedNumber, &a.Ward, &a.Reason, &a.AdmissionDate,
		&a.DischargeDate, &a.DischargeReason,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}
