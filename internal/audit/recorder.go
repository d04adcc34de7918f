package audit

import (
	"context"
	"time"

	"github.com/meditrack/portal/internal/shared/auth"
	"github.com/meditrack/portal/internal/shared/metrics"
	"github.com/meditrack/portal/internal/shared/types"
	"github.com/rs/zerolog"
)

// Recorder writes audit entries best-effort after the primary transaction has
// committed. A failed append is logged and dropped; it never fails or rolls
// back the operation that produced it.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
}

// NewRecorder creates a recorder over the given sink. A nil sink disables
// recording (useful in tests and limited deployments).
func NewRecorder(sink Sink, log zerolog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log}
}

// Record appends an entry attributed to the request principal. The write uses
// its own short deadline so a slow sink cannot hold the request open.
func (r *Recorder) Record(ctx context.Context, p *auth.Principal, action, resourceType string, resourceID types.ID, description string, changes map[string]any) {
	if r == nil || r.sink == nil {
		return
	}

	actorType := ActorTypeSystem
	actorID := types.ID("")
	var institution *types.ID
	if p != nil {
		actorType = ActorTypeUser
		actorID = p.ID
		if !p.InstitutionID.IsZero() {
			inst := p.InstitutionID
			institution = &inst
		}
	}

	var resID *types.ID
	if !resourceID.IsZero() {
		resID = &resourceID
	}

	entry := NewEntry(actorType, actorID, institution, action, resourceType, resID, description, changes)

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.sink.Append(appendCtx, entry); err != nil {
		r.log.Error().Err(err).
			Str("action", action).
			Str("resource_type", resourceType).
			Str("resource_id", resourceID.String()).
			Msg("audit append failed, entry dropped")
		return
	}

	metrics.RecordAuditEntry()
}
