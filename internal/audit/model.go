package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/meditrack/portal/internal/shared/types"
)

// ActorType defines the type of actor
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// Actions written by the clinical managers
const (
	ActionBedCreated         = "bed.created"
	ActionBedAssigned        = "bed.assigned"
	ActionBedTransferred     = "bed.transferred"
	ActionAdmissionDischarged = "admission.discharged"

	ActionRequestSubmitted = "request.submitted"
	ActionRequestAccepted  = "request.accepted"
	ActionResultsUploaded  = "request.results_uploaded"

	ActionDispensed = "pharmacy.dispensed"
	ActionRestocked = "pharmacy.restocked"
)

// Entry is an immutable audit log entry. Entries form a hash chain: each
// entry's hash covers the previous entry's hash, so any tampering with a
// persisted entry breaks verification of everything after it.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	// Actor
	ActorType          ActorType `json:"actor_type"`
	ActorID            types.ID  `json:"actor_id"`
	ActorInstitutionID *types.ID `json:"actor_institution_id,omitempty"`

	// Action
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *types.ID `json:"resource_id,omitempty"`
	Description  string    `json:"description,omitempty"`

	// Changes
	Changes map[string]any `json:"changes,omitempty"`
}

// NewEntry creates a new audit entry
func NewEntry(
	actorType ActorType,
	actorID types.ID,
	actorInstitutionID *types.ID,
	action, resourceType string,
	resourceID *types.ID,
	description string,
	changes map[string]any,
) *Entry {
	entry := &Entry{
		ID:                 types.NewID(),
		Timestamp:          time.Now().UTC().Truncate(time.Microsecond),
		ActorType:          actorType,
		ActorID:            actorID,
		ActorInstitutionID: actorInstitutionID,
		Action:             action,
		ResourceType:       resourceType,
		ResourceID:         resourceID,
		Description:        description,
		Changes:            changes,
	}

	entry.Hash = entry.calculateHash()

	return entry
}

// calculateHash calculates the SHA-256 hash of the entry using canonical JSON.
// Timestamps are hashed in UTC so verification is timezone-independent.
func (e *Entry) calculateHash() string {
	data := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":     e.PrevHash,
		"actor_type":    e.ActorType,
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
		"description":   e.Description,
	}

	if e.ActorInstitutionID != nil {
		data["actor_institution_id"] = e.ActorInstitutionID
	}
	if e.ResourceID != nil {
		data["resource_id"] = e.ResourceID
	}
	if len(e.Changes) > 0 {
		data["changes"] = e.Changes
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ListFilter defines filters for listing audit entries
type ListFilter struct {
	ActorID      *types.ID  `json:"actor_id,omitempty"`
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   *types.ID  `json:"resource_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// canonicalJSON produces deterministic JSON output with sorted map keys.
// Go maps iterate in random order and JSONB may reorder keys, so hashes must
// be computed over a canonical encoding.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}
