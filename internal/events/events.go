// Package events streams job and workflow state to subscribers over
// Server-Sent Events: the cooperative scheduler and executor never block on
// a slow observer, because each stream only ever polls a store snapshot and
// pushes the diff.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/models"
)

// DefaultPollInterval is the reference cadence: change-coalesced push is
// preferred where available, but a bounded poll is an acceptable fallback
// as long as it stays at or below this interval.
const DefaultPollInterval = 250 * time.Millisecond

// JobLookup is the slice of JobStore a job stream needs.
type JobLookup interface {
	Get(jobID string) (models.Job, bool)
}

// WorkflowLookup is the slice of WorkflowStore a workflow stream needs.
type WorkflowLookup interface {
	GetInfo(workflowID string) (models.WorkflowInfo, bool)
}

// Publisher drives SSE streams for jobs and workflows by polling their
// backing stores and pushing only payloads that differ from the last one
// sent.
type Publisher struct {
	jobs         JobLookup
	workflows    WorkflowLookup
	pollInterval time.Duration
	logger       arbor.ILogger
}

// New builds a Publisher. pollInterval <= 0 selects DefaultPollInterval.
func New(jobs JobLookup, workflows WorkflowLookup, pollInterval time.Duration, logger arbor.ILogger) *Publisher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Publisher{jobs: jobs, workflows: workflows, pollInterval: pollInterval, logger: logger}
}

// jobPayload is the wire shape of one job-stream event.
type jobPayload struct {
	State          models.JobState `json:"state"`
	Progress       float64         `json:"progress"`
	TilesProcessed int             `json:"tiles_processed"`
	TilesTotal     int             `json:"tiles_total"`
}

// workflowPayload is the wire shape of one workflow-stream event.
type workflowPayload struct {
	State           models.WorkflowState `json:"state"`
	PercentComplete float64              `json:"percent_complete"`
	Jobs            []models.Info        `json:"jobs"`
}

// StreamJob writes a text/event-stream response for jobID, owned by userID.
// It returns once the job reaches a terminal state, the job disappears or
// changes owner, or the request context is canceled. The caller must have
// already verified initial ownership; StreamJob re-checks it on every poll
// so a job that's reassigned mid-stream closes rather than leaking state.
func (p *Publisher) StreamJob(ctx context.Context, w http.ResponseWriter, jobID, userID string) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}

	var last *jobPayload
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		job, found := p.jobs.Get(jobID)
		if !found || job.UserID != userID {
			return
		}

		payload := jobPayload{
			State:          job.State,
			Progress:       job.Progress,
			TilesProcessed: job.TilesProcessed,
			TilesTotal:     job.TilesTotal,
		}
		if last == nil || *last != payload {
			if !p.send(w, flusher, payload) {
				return
			}
			last = &payload
		}

		if isJobTerminal(job.State) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// StreamWorkflow writes a text/event-stream response for workflowID, owned
// by userID, with the same polling/dedup/terminal-close contract as
// StreamJob.
func (p *Publisher) StreamWorkflow(ctx context.Context, w http.ResponseWriter, workflowID, userID string) {
	flusher, ok := prepareSSE(w)
	if !ok {
		return
	}

	var last *workflowPayload
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		info, found := p.workflows.GetInfo(workflowID)
		if !found || info.UserID != userID {
			return
		}

		payload := workflowPayload{
			State:           info.State,
			PercentComplete: info.PercentComplete,
			Jobs:            info.Jobs,
		}
		if last == nil || !workflowPayloadsEqual(*last, payload) {
			if !p.send(w, flusher, payload) {
				return
			}
			last = &payload
		}

		if isWorkflowTerminal(info.State) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Publisher) send(w http.ResponseWriter, flusher http.Flusher, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to marshal SSE payload")
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}

// prepareSSE sets the standard event-stream headers and flushes them
// immediately so the client's EventSource fires onopen without waiting for
// the first payload.
func prepareSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func isJobTerminal(s models.JobState) bool {
	switch s {
	case models.JobSucceeded, models.JobFailed, models.JobCanceled:
		return true
	default:
		return false
	}
}

func isWorkflowTerminal(s models.WorkflowState) bool {
	switch s {
	case models.WorkflowSucceeded, models.WorkflowFailed:
		return true
	default:
		return false
	}
}

// workflowPayloadsEqual compares two workflowPayloads by value, including
// their Jobs slices - workflowPayload can't use == because it embeds a
// slice field.
func workflowPayloadsEqual(a, b workflowPayload) bool {
	if a.State != b.State || a.PercentComplete != b.PercentComplete {
		return false
	}
	if len(a.Jobs) != len(b.Jobs) {
		return false
	}
	for i := range a.Jobs {
		if a.Jobs[i] != b.Jobs[i] {
			return false
		}
	}
	return true
}
