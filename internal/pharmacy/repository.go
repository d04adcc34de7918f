package pharmacy

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/shared/database"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
)

// Repository provides database operations for the dispensing ledger
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new pharmacy repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// CreateLine saves a new prescription line
func (r *Repository) CreateLine(ctx context.Context, line *PrescriptionLine) error {
	query := `
		INSERT INTO pharmacy.prescription_lines (
			id, prescription_id, medicament_id, quantity, unit, prescribed_at
		) VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		line.ID, line.PrescriptionID, line.MedicamentID, line.Quantity, line.Unit, line.PrescribedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create prescription line")
	}

	return nil
}

// LineStatus returns a line with its dispensed and remaining quantities
func (r *Repository) LineStatus(ctx context.Context, lineID types.ID) (*LineStatus, error) {
	query := `
		SELECT l.id, l.prescription_id, l.medicament_id, l.quantity, l.unit, l.prescribed_at,
			COALESCE(SUM(d.quantity_dispensed), 0)
		FROM pharmacy.prescription_lines l
		LEFT JOIN pharmacy.dispensing_records d ON d.prescription_line_id = l.id
		WHERE l.id = $1
		GROUP BY l.id`

	line := &PrescriptionLine{}
	var dispensed int
	err := r.pool.QueryRow(ctx, query, lineID).Scan(
		&line.ID, &line.PrescriptionID, &line.MedicamentID, &line.Quantity, &line.Unit,
		&line.PrescribedAt, &dispensed,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("prescription line", lineID.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find prescription line")
	}

	return &LineStatus{
		Line:      line,
		Dispensed: dispensed,
		Remaining: line.Quantity - dispensed,
	}, nil
}

// Dispense records a dispensing event. The line row lock serializes
// dispensers of the same line; the conditional stock decrement guards the
// pharmacy's inventory. Ledger append, stock decrement and the remaining
// check commit together or not at all.
func (r *Repository) Dispense(ctx context.Context, lineID, pharmacyID types.ID, qty int, dispensedBy types.ID) (*DispensingRecord, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("dispense", time.Since(start)) }()

	var record *DispensingRecord

	err := database.InTx(ctx, r.pool, func(tx pgx.Tx) error {
		line := &PrescriptionLine{}
		err := tx.QueryRow(ctx, `
			SELECT id, prescription_id, medicament_id, quantity, unit, prescribed_at
			FROM pharmacy.prescription_lines
			WHERE id = $1
			FOR UPDATE`, lineID,
		).Scan(&line.ID, &line.PrescriptionID, &line.MedicamentID, &line.Quantity, &line.Unit, &line.PrescribedAt)
		if err == pgx.ErrNoRows {
			return errors.NotFound("prescription line", lineID.String())
		}
		if err != nil {
			return errors.Wrap(err, "failed to lock prescription line")
		}

		var dispensed int
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(quantity_dispensed), 0)
			FROM pharmacy.dispensing_records
			WHERE prescription_line_id = $1`, lineID,
		).Scan(&dispensed)
		if err != nil {
			return errors.Wrap(err, "failed to sum dispensed quantity")
		}

		if err := line.ValidateDispense(dispensed, qty); err != nil {
			metrics.RecordDispensingRejection("exceeds_remaining")
			return errors.Conflict(err.Error())
		}

		tag, err := tx.Exec(ctx, `
			UPDATE pharmacy.inventory
			SET quantity_in_stock = quantity_in_stock - $3, last_updated = NOW()
			WHERE pharmacy_id = $1 AND medicament_id = $2 AND quantity_in_stock >= $3`,
			pharmacyID, line.MedicamentID, qty,
		)
		if err != nil {
			return errors.Wrap(err, "failed to decrement stock")
		}
		if tag.RowsAffected() == 0 {
			metrics.RecordDispensingRejection("insufficient_stock")
			return errors.Conflict("insufficient stock")
		}

		record = &DispensingRecord{
			ID:                 types.NewID(),
			PrescriptionLineID: lineID,
			PharmacyID:         pharmacyID,
			QuantityDispensed:  qty,
			DispensedBy:        dispensedBy,
			DispensedAt:        time.Now(),
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO pharmacy.dispensing_records (
				id, prescription_line_id, pharmacy_id, quantity_dispensed, dispensed_by, dispensed_at
			) VALUES ($1, $2, $3, $4, $5, $6)`,
			record.ID, record.PrescriptionLineID, record.PharmacyID,
			record.QuantityDispensed, record.DispensedBy, record.DispensedAt,
		)
		if err != nil {
			return errors.Wrap(err, "failed to append dispensing record")
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// History lists dispensing records for a line, newest first
func (r *Repository) History(ctx context.Context, lineID types.ID) ([]*DispensingRecord, error) {
	query := `
		SELECT id, prescription_line_id, pharmacy_id, quantity_dispensed, dispensed_by, dispensed_at
		FROM pharmacy.dispensing_records
		WHERE prescription_line_id = $1
		ORDER BY dispensed_at DESC`

	rows, err := r.pool.Query(ctx, query, lineID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dispensing records")
	}
	defer rows.Close()

	var out []*DispensingRecord
	for rows.Next() {
		rec := &DispensingRecord{}
		if err := rows.Scan(&rec.ID, &rec.PrescriptionLineID, &rec.PharmacyID,
			&rec.QuantityDispensed, &rec.DispensedBy, &rec.DispensedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan dispensing record")
		}
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Restock atomically increments a pharmacy's stock, creating the entry on
// first delivery.
func (r *Repository) Restock(ctx context.Context, pharmacyID, medicamentID types.ID, qty int) (*InventoryEntry, error) {
	if qty <= 0 {
		return nil, errors.BadRequest("quantity must be positive")
	}

	query := `
		INSERT INTO pharmacy.inventory (pharmacy_id, medicament_id, quantity_in_stock, last_updated)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (pharmacy_id, medicament_id)
		DO UPDATE SET quantity_in_stock = inventory.quantity_in_stock + EXCLUDED.quantity_in_stock,
			last_updated = NOW()
		RETURNING pharmacy_id, medicament_id, quantity_in_stock, last_updated`

	entry := &InventoryEntry{}
	err := r.pool.QueryRow(ctx, query, pharmacyID, medicamentID, qty).Scan(
		&entry.PharmacyID, &entry.MedicamentID, &entry.QuantityInStock, &entry.LastUpdated,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to restock")
	}

	return entry, nil
}

// Inventory lists a pharmacy's stock, optionally for one medicament
func (r *Repository) Inventory(ctx context.Context, pharmacyID types.ID, medicamentID *types.ID) ([]*InventoryEntry, error) {
	query := `
		SELECT pharmacy_id, medicament_id, quantity_in_stock, last_updated
		FROM pharmacy.inventory
		WHERE pharmacy_id = $1`
	args := []any{pharmacyID}

	if medicamentID != nil {
		query += ` AND medicament_id = $2`
		args = append(args, *medicamentID)
	}
	query += ` ORDER BY medicament_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list inventory")
	}
	defer rows.Close()

	var out []*InventoryEntry
	for rows.Next() {
		entry := &InventoryEntry{}
		if err := rows.Scan(&entry.PharmacyID, &entry.MedicamentID, &entry.QuantityInStock, &entry.LastUpdated); err != nil {
			return nil, errors.Wrap(err, "failed to scan inventory entry")
		}
		out = append(out, entry)
	}

	return out, rows.Err()
}
