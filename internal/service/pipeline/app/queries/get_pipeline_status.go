package queries

import (
	"context"
	"time"

	"github.com/Lukas-ElEss/HL7v2-FHIR-Pipeline/internal/service/pipeline"
)

type GetPipelineStatusQuery struct {
}

type GetPipelineStatusResult struct {
	Uptime        time.Duration
	Received      uint64
	Committed     uint64
	Suppressed    uint64
	Rejected      uint64
	Failed        uint64
	LastOutcomeAt time.Time
}

type GetPipelineStatusQueryHandler interface {
	Handle(ctx context.Context, q GetPipelineStatusQuery) (GetPipelineStatusResult, error)
}

func NewGetPipelineStatusHandler(stats *pipeline.Stats) GetPipelineStatusQueryHandler {
	return &getPipelineStatusQueryHandler{stats: stats}
}

type getPipelineStatusQueryHandler struct {
	stats *pipeline.Stats
}

func (h *getPipelineStatusQueryHandler) Handle(ctx context.Context, q GetPipelineStatusQuery) (GetPipelineStatusResult, error) {
	snap := h.stats.Snapshot()
	return GetPipelineStatusResult{
		Uptime:        time.Since(snap.Started),
		Received:      snap.Received,
		Committed:     snap.Committed,
		Suppressed:    snap.Suppressed,
		Rejected:      snap.Rejected,
		Failed:        snap.Failed,
		LastOutcomeAt: snap.LastOutcomeAt,
	}, nil
}
