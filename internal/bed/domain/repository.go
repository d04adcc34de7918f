package domain

import (
	"context"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// Repository persists beds and admissions. Mutating operations run inside a
// single transaction; occupancy changes are guarded conditional updates so
// concurrent callers serialize on the row, not on application state.
type Repository interface {
	CreateBed(ctx context.Context, bed *Bed) error
	GetBed(ctx context.Context, hospitalID, bedID types.ID) (*Bed, error)
	ListBeds(ctx context.Context, hospitalID types.ID, ward string) ([]*Bed, error)
	WardStats(ctx context.Context, hospitalID types.ID) ([]WardStats, error)

	// Assign admits a patient to a bed. The occupancy update is conditional on
	// the bed being free and available; zero rows affected rolls back the
	// admission insert and returns Conflict.
	Assign(ctx context.Context, hospitalID, bedID, patientID, doctorID types.ID, reason string) (*Admission, error)

	// Transfer moves the admission occupying oldBedID to newBedID in one
	// transaction. Both the free of the old bed and the occupy of the new bed
	// are guarded; either failing rolls back the whole transfer.
	Transfer(ctx context.Context, hospitalID, oldBedID, newBedID types.ID, reason string) (*Admission, error)

	// Discharge closes the admission and frees its bed in the same
	// transaction. Guarded on discharge_date IS NULL.
	Discharge(ctx context.Context, hospitalID, admissionID types.ID, date time.Time, reason string) (*Admission, error)

	GetAdmission(ctx context.Context, hospitalID, admissionID types.ID) (*Admission, error)
}
