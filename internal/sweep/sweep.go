package sweep

import (
	"context"
	"log"
	"time"

	"pulseline/internal/domain"
	"pulseline/internal/ingest"
)

// Sweeper periodically re-attempts correlation for parked events and
// dead-letters the ones that exhaust their retry budget. Conversion runs
// through the same idempotent Process path as live ingestion, so a sweep
// racing a provider retry is harmless.
type Sweeper struct {
	Engine           ingest.Engine
	Interval         time.Duration
	MaxRetries       int
	CandidateTimeout time.Duration
	Batch            int
}

func New(e ingest.Engine) *Sweeper {
	cfg := e.Config
	return &Sweeper{
		Engine:           e,
		Interval:         time.Duration(cfg.SweepIntervalSeconds()) * time.Second,
		MaxRetries:       cfg.SweepMaxRetries(),
		CandidateTimeout: time.Duration(cfg.SweepCandidateTimeoutSeconds()) * time.Second,
		Batch:            cfg.SweepBatch(),
	}
}

// Run loops until the context is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		if err := s.Cycle(ctx); err != nil {
			log.Printf("sweep: cycle failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// CycleStats summarizes one sweep pass.
type CycleStats struct {
	Scanned      int `json:"scanned"`
	Resolved     int `json:"resolved"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
}

// Cycle re-attempts every pending orphan once. Candidates are processed
// independently; one failure never aborts the rest of the batch.
func (s *Sweeper) Cycle(ctx context.Context) error {
	orphans, err := s.Engine.Repo.ListPendingOrphans(ctx, s.Batch)
	if err != nil {
		return err
	}
	var stats CycleStats
	for _, o := range orphans {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Scanned++
		switch s.attempt(ctx, o) {
		case attemptResolved:
			stats.Resolved++
		case attemptDeadLettered:
			stats.DeadLettered++
		default:
			stats.Retried++
		}
	}
	if stats.Scanned > 0 {
		log.Printf("sweep: scanned=%d resolved=%d retried=%d dead_lettered=%d",
			stats.Scanned, stats.Resolved, stats.Retried, stats.DeadLettered)
	}
	return nil
}

type attemptOutcome int

const (
	attemptRetried attemptOutcome = iota
	attemptResolved
	attemptDeadLettered
)

// attempt bounds each candidate so one stuck lookup cannot stall the
// whole cycle.
func (s *Sweeper) attempt(ctx context.Context, o domain.OrphanedEvent) attemptOutcome {
	cctx, cancel := context.WithTimeout(ctx, s.CandidateTimeout)
	defer cancel()
	res, err := s.Engine.Process(cctx, ingest.InboundFromOrphan(o))
	if err != nil {
		log.Printf("sweep: orphan %s (provider=%s): %v", o.ID, o.Provider, err)
		return attemptRetried
	}
	switch res.Outcome {
	case ingest.OutcomeStored:
		return attemptResolved
	case ingest.OutcomeDuplicate:
		// Already stored through another path; drop the parked copy.
		if err := s.Engine.Repo.DeleteOrphan(cctx, o.ID); err != nil {
			log.Printf("sweep: delete resolved orphan %s: %v", o.ID, err)
		}
		return attemptResolved
	default:
		now := s.Engine.Now().UTC().Format(time.RFC3339)
		if err := s.Engine.Repo.BumpOrphanRetry(cctx, o.ID, s.MaxRetries, now); err != nil {
			log.Printf("sweep: bump orphan %s: %v", o.ID, err)
			return attemptRetried
		}
		if o.RetryCount+1 >= s.MaxRetries {
			return attemptDeadLettered
		}
		return attemptRetried
	}
}

// ReplayResult reports the outcome of an operator replay.
type ReplayResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// Replay pushes dead-lettered events back through the ingestion path.
// Replaying an event that was also auto-resolved is a no-op because the
// path is idempotent.
func (s *Sweeper) Replay(ctx context.Context, ids []string) (ReplayResult, error) {
	var res ReplayResult
	for _, id := range ids {
		o, err := s.Engine.Repo.GetOrphan(ctx, id)
		if err != nil {
			res.Failed = append(res.Failed, id)
			continue
		}
		out, err := s.Engine.Process(ctx, ingest.InboundFromOrphan(o))
		if err != nil || out.Outcome == ingest.OutcomeOrphaned {
			res.Failed = append(res.Failed, id)
			continue
		}
		if out.Outcome == ingest.OutcomeDuplicate {
			if err := s.Engine.Repo.DeleteOrphan(ctx, o.ID); err != nil {
				log.Printf("sweep: delete replayed orphan %s: %v", o.ID, err)
			}
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res, nil
}

// Discard permanently removes dead-lettered events by id.
func (s *Sweeper) Discard(ctx context.Context, ids []string) (int, error) {
	n := 0
	for _, id := range ids {
		if err := s.Engine.Repo.DeleteOrphan(ctx, id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
