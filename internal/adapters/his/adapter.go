// Package his adapts a legacy hospital information system (SQL Server) as the
// patient/doctor directory. Sites whose patient master still lives in the HIS
// enable this instead of the portal's own directory schema.
package his

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
	"github.com/meditrack/portal/internal/directory"
	"github.com/meditrack/portal/internal/shared/config"
	"github.com/meditrack/portal/internal/shared/errors"
	"github.com/meditrack/portal/internal/shared/types"
)

// identRe constrains configured table names to schema-qualified identifiers.
// Table names come from deployment config, never from callers, but they are
// interpolated into SQL text and therefore validated anyway.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Adapter implements directory.Directory against a legacy HIS database
type Adapter struct {
	db  *sql.DB
	cfg config.HISConfig
}

// New opens a connection to the HIS database and verifies it
func New(ctx context.Context, cfg config.HISConfig) (*Adapter, error) {
	for _, table := range []string{cfg.PatientTable, cfg.DoctorTable, cfg.AffiliationTable} {
		if !identRe.MatchString(table) {
			return nil, fmt.Errorf("invalid HIS table name %q", table)
		}
	}

	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open HIS connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping HIS database: %w", err)
	}

	return &Adapter{db: db, cfg: cfg}, nil
}

func (a *Adapter) PatientExists(ctx context.Context, patientID types.ID) (bool, error) {
	query := fmt.Sprintf(
		`SELECT CASE WHEN EXISTS (SELECT 1 FROM %s WHERE ExternalId = @p1) THEN 1 ELSE 0 END`,
		a.cfg.PatientTable)

	var exists int
	if err := a.db.QueryRowContext(ctx, query, patientID.String()).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "HIS patient lookup failed")
	}
	return exists == 1, nil
}

func (a *Adapter) DoctorExists(ctx context.Context, doctorID types.ID) (bool, error) {
	query := fmt.Sprintf(
		`SELECT CASE WHEN EXISTS (SELECT 1 FROM %s WHERE ExternalId = @p1) THEN 1 ELSE 0 END`,
		a.cfg.DoctorTable)

	var exists int
	if err := a.db.QueryRowContext(ctx, query, doctorID.String()).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "HIS doctor lookup failed")
	}
	return exists == 1, nil
}

func (a *Adapter) DoctorAffiliated(ctx context.Context, doctorID, hospitalID types.ID) (bool, error) {
	query := fmt.Sprintf(
		`SELECT CASE WHEN EXISTS (
			SELECT 1 FROM %s WHERE PhysicianExternalId = @p1 AND FacilityExternalId = @p2
		) THEN 1 ELSE 0 END`,
		a.cfg.AffiliationTable)

	var exists int
	if err := a.db.QueryRowContext(ctx, query, doctorID.String(), hospitalID.String()).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "HIS affiliation lookup failed")
	}
	return exists == 1, nil
}

// Health checks the HIS connection
func (a *Adapter) Health(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the HIS connection
func (a *Adapter) Close() error {
	return a.db.Close()
}

var _ directory.Directory = (*Adapter)(nil)
