// Package directory provides existence and affiliation checks against the
// patient/doctor master. The portal never owns demographics; it only needs to
// know that a referenced patient or doctor exists and, for doctors, which
// hospitals they practice at.
package directory

import (
	"context"

	"github.com/meditrack/portal/internal/shared/types"
)

// Directory answers existence and affiliation questions
type Directory interface {
	// PatientExists reports whether the patient is known
	PatientExists(ctx context.Context, patientID types.ID) (bool, error)

	// DoctorExists reports whether the doctor is known
	DoctorExists(ctx context.Context, doctorID types.ID) (bool, error)

	// DoctorAffiliated reports whether the doctor practices at the hospital
	DoctorAffiliated(ctx context.Context, doctorID, hospitalID types.ID) (bool, error)
}
