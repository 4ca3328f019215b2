// Package jobs is the in-memory store for fire-and-forget generation jobs.
// Submit returns immediately with a job id; a dispatcher produces every item
// in parallel and the job converges to a terminal snapshot that clients poll.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/geovera/agentd/internal/qualitygate"
	"github.com/geovera/agentd/internal/storage"
)

// MaxItems caps the batch size. Extra items are dropped silently so a
// generous client request never turns into a surprise bill.
const MaxItems = 4

type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Snapshot is a point-in-time copy of a job. While the job runs, Results
// holds whichever items have finished so far; on completion it is re-sorted
// into item order.
type Snapshot struct {
	ID            string                   `json:"job_id"`
	Status        Status                   `json:"status"`
	Angles        []string                 `json:"angles"`
	Results       []qualitygate.UnitResult `json:"results"`
	StartedAt     time.Time                `json:"started_at"`
	TotalTimeSecs float64                  `json:"total_time_secs"`
	TotalCost     float64                  `json:"total_cost"`
	Message       string                   `json:"message,omitempty"`
}

// Producer runs one unit of work to completion. Satisfied by
// *qualitygate.Loop.
type Producer interface {
	ProduceUnit(ctx context.Context, spec qualitygate.UnitSpec) qualitygate.UnitResult
}

// AuditStore persists terminal job snapshots. May be nil.
type AuditStore interface {
	SaveGenerationJob(job storage.GenerationJob) error
}

// Store owns all live jobs. Each job's state is confined to a single
// goroutine; workers and pollers reach it only through that goroutine, so a
// finishing item can never overwrite a concurrent update.
type Store struct {
	ctx      context.Context
	producer Producer
	audit    AuditStore

	mu   sync.RWMutex
	jobs map[string]*job
}

// NewStore creates a job store. ctx bounds the lifetime of all background
// dispatch work and must outlive individual requests.
func NewStore(ctx context.Context, producer Producer, audit AuditStore) *Store {
	return &Store{
		ctx:      ctx,
		producer: producer,
		audit:    audit,
		jobs:     make(map[string]*job),
	}
}

// job serializes every state mutation through ops, drained by one goroutine.
type job struct {
	ops chan func(*Snapshot)
}

func (j *job) loop(snap Snapshot) {
	for fn := range j.ops {
		fn(&snap)
	}
}

// do runs fn on the owning goroutine and waits for it to finish.
func (j *job) do(fn func(*Snapshot)) {
	done := make(chan struct{})
	j.ops <- func(snap *Snapshot) {
		fn(snap)
		close(done)
	}
	<-done
}

// Submit registers a new job and returns its initial snapshot without
// waiting for any work. Batches beyond MaxItems are truncated.
func (s *Store) Submit(specs []qualitygate.UnitSpec) Snapshot {
	if len(specs) > MaxItems {
		slog.Warn("truncating job batch", "requested", len(specs), "kept", MaxItems)
		specs = specs[:MaxItems]
	}

	angles := make([]string, len(specs))
	for i, spec := range specs {
		angles[i] = spec.Angle
	}

	initial := Snapshot{
		ID:        uuid.New().String(),
		Status:    StatusRunning,
		Angles:    angles,
		Results:   []qualitygate.UnitResult{},
		StartedAt: time.Now().UTC(),
	}

	j := &job{ops: make(chan func(*Snapshot))}

	s.mu.Lock()
	s.jobs[initial.ID] = j
	s.mu.Unlock()

	go j.loop(initial)
	go s.dispatch(j, specs)

	return initial
}

// Poll returns a copy of the job's current state, including any results
// that have already landed. Unknown ids return storage.ErrNotFound.
func (s *Store) Poll(jobID string) (Snapshot, error) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, storage.ErrNotFound
	}

	var snap Snapshot
	j.do(func(cur *Snapshot) {
		snap = *cur
		snap.Angles = append([]string(nil), cur.Angles...)
		snap.Results = append([]qualitygate.UnitResult(nil), cur.Results...)
	})
	return snap, nil
}

// dispatch fans the items out with full parallelism, records each result as
// it lands, and finalizes the job. Item failures are captured inside their
// results; the job itself always reaches done.
func (s *Store) dispatch(j *job, specs []qualitygate.UnitSpec) {
	start := time.Now()

	g, ctx := errgroup.WithContext(s.ctx)
	for _, spec := range specs {
		g.Go(func() error {
			result := s.produce(ctx, spec)
			j.do(func(snap *Snapshot) {
				snap.Results = append(snap.Results, result)
			})
			return nil
		})
	}
	_ = g.Wait()

	wall := time.Since(start).Seconds()

	var final Snapshot
	j.do(func(snap *Snapshot) {
		sort.Slice(snap.Results, func(a, b int) bool {
			return snap.Results[a].Index < snap.Results[b].Index
		})

		var sequential, cost float64
		succeeded := 0
		for _, r := range snap.Results {
			sequential += r.DurationSecs
			cost += r.Cost
			if r.OK {
				succeeded++
			}
		}
		speedup := 1.0
		if wall > 0 {
			speedup = sequential / wall
		}

		snap.Status = StatusDone
		snap.TotalTimeSecs = wall
		snap.TotalCost = cost
		snap.Message = fmt.Sprintf("%d/%d angles succeeded in %.1fs (%.1fx vs sequential)",
			succeeded, len(specs), wall, speedup)

		final = *snap
		final.Angles = append([]string(nil), snap.Angles...)
		final.Results = append([]qualitygate.UnitResult(nil), snap.Results...)
	})

	s.persist(final)
}

// produce shields the dispatcher from a panicking producer: the panic
// becomes that item's failure record instead of taking the batch down.
func (s *Store) produce(ctx context.Context, spec qualitygate.UnitSpec) (result qualitygate.UnitResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("item producer panicked", "angle", spec.Angle, "panic", r)
			result = qualitygate.UnitResult{
				Angle: spec.Angle,
				Index: spec.Index,
				OK:    false,
				Error: fmt.Sprintf("internal error: %v", r),
			}
		}
	}()
	return s.producer.ProduceUnit(ctx, spec)
}

// persist writes the terminal snapshot for offline inspection. The job
// already succeeded from the client's point of view, so storage trouble is
// logged and swallowed.
func (s *Store) persist(snap Snapshot) {
	if s.audit == nil {
		return
	}

	itemsJSON, err := json.Marshal(snap.Angles)
	if err != nil {
		slog.Warn("marshaling job items for audit", "job_id", snap.ID, "error", err)
		return
	}

	// Image payloads stay out of the audit table.
	results := append([]qualitygate.UnitResult(nil), snap.Results...)
	for i := range results {
		results[i].Image = ""
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		slog.Warn("marshaling job results for audit", "job_id", snap.ID, "error", err)
		return
	}

	record := storage.GenerationJob{
		ID:            snap.ID,
		Status:        string(snap.Status),
		ItemsJSON:     string(itemsJSON),
		ResultsJSON:   string(resultsJSON),
		StartedAt:     snap.StartedAt,
		TotalTimeSecs: snap.TotalTimeSecs,
		TotalCost:     snap.TotalCost,
		Message:       snap.Message,
	}
	if err := s.audit.SaveGenerationJob(record); err != nil {
		slog.Warn("persisting job audit record", "job_id", snap.ID, "error", err)
	}
}
