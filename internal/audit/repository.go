package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meditrack/portal/internal/shared/errors"
)

// Repository provides append-only audit log storage in PostgreSQL
type Repository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
}

// NewRepository creates a new audit repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Initialize loads the last hash from the database
func (r *Repository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash)

	if err != nil && err != pgx.ErrNoRows {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	return nil
}

// Append appends a new audit entry (thread-safe). The previous hash is bound
// into the new entry before insertion, extending the chain.
func (r *Repository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	var changesJSON []byte
	if len(entry.Changes) > 0 {
		var err error
		changesJSON, err = json.Marshal(entry.Changes)
		if err != nil {
			return errors.Wrap(err, "failed to marshal changes")
		}
	}

	query := `
		INSERT INTO audit.entries (
			id, timestamp, hash, prev_hash,
			actor_type, actor_id, actor_institution_id,
			action, resource_type, resource_id, description, changes
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING sequence`

	err := r.pool.QueryRow(ctx, query,
		entry.ID, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorType, entry.ActorID, entry.ActorInstitutionID,
		entry.Action, entry.ResourceType, entry.ResourceID, entry.Description, changesJSON,
	).Scan(&entry.Sequence)

	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash
	return nil
}

// List returns entries matching the filter, newest first
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argNum))
		args = append(args, *filter.ActorID)
		argNum++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argNum))
		args = append(args, filter.Action)
		argNum++
	}
	if filter.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argNum))
		args = append(args, filter.ResourceType)
		argNum++
	}
	if filter.ResourceID != nil {
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", argNum))
		args = append(args, *filter.ResourceID)
		argNum++
	}
	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}
	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 200 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT sequence, id, timestamp, hash, prev_hash,
			actor_type, actor_id, actor_institution_id,
			action, resource_type, resource_id, description, changes
		FROM audit.entries
		%s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	return scanEntries(rows)
}

// VerifyChain walks the full chain in sequence order and checks both the
// per-entry hash and the prev_hash linkage.
func (r *Repository) VerifyChain(ctx context.Context) (*ChainReport, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT sequence, id, timestamp, hash, prev_hash,
			actor_type, actor_id, actor_institution_id,
			action, resource_type, resource_id, description, changes
		FROM audit.entries
		ORDER BY sequence ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read audit entries")
	}
	defer rows.Close()

	report := &ChainReport{Valid: true}
	prevHash := ""

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		report.Entries++

		if entry.PrevHash != prevHash {
			report.Valid = false
			report.FirstBreakSeq = entry.Sequence
			report.Detail = "prev_hash does not match preceding entry"
			return report, nil
		}
		if !entry.VerifyHash() {
			report.Valid = false
			report.FirstBreakSeq = entry.Sequence
			report.Detail = "entry hash does not match contents"
			return report, nil
		}
		prevHash = entry.Hash
	}

	return report, nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func scanEntry(rows pgx.Rows) (*Entry, error) {
	entry := &Entry{}
	var changesJSON []byte

	err := rows.Scan(
		&entry.Sequence, &entry.ID, &entry.Timestamp, &entry.Hash, &entry.PrevHash,
		&entry.ActorType, &entry.ActorID, &entry.ActorInstitutionID,
		&entry.Action, &entry.ResourceType, &entry.ResourceID, &entry.Description, &changesJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan audit entry")
	}

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &entry.Changes); err != nil {
			entry.Changes = nil
		}
	}

	return entry, nil
}

var _ Sink = (*Repository)(nil)
