package pharmacy

import (
	"fmt"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// PrescriptionLine is one prescribed medicament with a total quantity. Lines
// are immutable once written; dispensing never mutates them.
type PrescriptionLine struct {
	ID             types.ID  `json:"id"`
	PrescriptionID types.ID  `json:"prescription_id"`
	MedicamentID   types.ID  `json:"medicament_id"`
	Quantity       int       `json:"quantity"`
	Unit           string    `json:"unit"`
	PrescribedAt   time.Time `json:"prescribed_at"`
}

// NewPrescriptionLine creates a line with validation
func NewPrescriptionLine(prescriptionID, medicamentID types.ID, quantity int, unit string) (*PrescriptionLine, error) {
	if prescriptionID.IsZero() {
		return nil, fmt.Errorf("prescription is required")
	}
	if medicamentID.IsZero() {
		return nil, fmt.Errorf("medicament is required")
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if unit == "" {
		return nil, fmt.Errorf("unit is required")
	}

	return &PrescriptionLine{
		ID:             types.NewID(),
		PrescriptionID: prescriptionID,
		MedicamentID:   medicamentID,
		Quantity:       quantity,
		Unit:           unit,
		PrescribedAt:   time.Now(),
	}, nil
}

// ValidateDispense checks a requested quantity against the line total and
// what has already been dispensed. The repository re-checks under a row lock
// so concurrent dispensers cannot jointly exceed the total.
func (l *PrescriptionLine) ValidateDispense(alreadyDispensed, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	remaining := l.Quantity - alreadyDispensed
	if qty > remaining {
		return fmt.Errorf("quantity exceeds remaining (%d)", remaining)
	}
	return nil
}

// DispensingRecord is one append-only dispensing event against a line
type DispensingRecord struct {
	ID                 types.ID  `json:"id"`
	PrescriptionLineID types.ID  `json:"prescription_line_id"`
	PharmacyID         types.ID  `json:"pharmacy_id"`
	QuantityDispensed  int       `json:"quantity_dispensed"`
	DispensedBy        types.ID  `json:"dispensed_by"`
	DispensedAt        time.Time `json:"dispensed_at"`
}

// InventoryEntry is a pharmacy's stock level for one medicament
type InventoryEntry struct {
	PharmacyID      types.ID  `json:"pharmacy_id"`
	MedicamentID    types.ID  `json:"medicament_id"`
	QuantityInStock int       `json:"quantity_in_stock"`
	LastUpdated     time.Time `json:"last_updated"`
}

// LineStatus is the read projection of a line and its dispensing progress
type LineStatus struct {
	Line      *PrescriptionLine `json:"line"`
	Dispensed int               `json:"dispensed"`
	Remaining int               `json:"remaining"`
}
