package audit

import (
	"context"
)

// Sink is the append-only audit log consumed by the clinical managers.
// Append must never be called inside the primary transaction: the sink is
// written best-effort after commit and its failure must not fail the
// operation that produced the entry.
type Sink interface {
	// Initialize loads chain state (last hash) from storage
	Initialize(ctx context.Context) error

	// Append appends a new entry, assigning sequence, prev_hash and hash
	Append(ctx context.Context, entry *Entry) error

	// List returns entries matching the filter, newest first
	List(ctx context.Context, filter ListFilter) ([]*Entry, error)

	// VerifyChain walks the stored chain and reports the first break, if any
	VerifyChain(ctx context.Context) (*ChainReport, error)
}

// ChainReport summarizes a chain verification run
type ChainReport struct {
	Entries       int    `json:"entries"`
	Valid         bool   `json:"valid"`
	FirstBreakSeq int64  `json:"first_break_sequence,omitempty"`
	Detail        string `json:"detail,omitempty"`
}
