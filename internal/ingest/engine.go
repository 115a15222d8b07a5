package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/repo"
)

// Engine runs the dedup-and-store pipeline: correlate, insert exactly
// once, and apply counter deltas in the same transaction. All cross-
// request coordination lives in storage constraints, so the engine is
// safe under concurrent webhook deliveries and across processes.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Inbound is a provider payload after normalization, before correlation.
// Exactly one of EnrollmentID (echoed back by the provider) or
// ProviderKey (send-time identifier) is expected to be set.
type Inbound struct {
	Provider        string
	ProviderEventID string
	Type            string
	Channel         string
	StepNumber      *int
	TS              string
	EnrollmentID    string
	ProviderKey     string
	MetadataJSON    string
}

type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeOrphaned  Outcome = "orphaned"
)

type Result struct {
	Outcome Outcome
	Event   domain.CampaignEvent
	Orphan  domain.OrphanedEvent
}

// counterForEvent maps canonical event types to the rollup counter each
// one increments. Types absent from the map carry no counter.
var counterForEvent = map[string]string{
	domain.EventSent:      "total_sent",
	domain.EventDelivered: "total_delivered",
	domain.EventOpened:    "total_opened",
	domain.EventClicked:   "total_clicked",
	domain.EventReplied:   "total_replied",
}

// statusForEvent maps event types that imply an enrollment status
// transition. Both targets are terminal and applied with a guard that
// never overwrites an existing terminal status.
var statusForEvent = map[string]string{
	domain.EventBounced:      domain.EnrollmentBounced,
	domain.EventUnsubscribed: domain.EnrollmentUnsubscribed,
}

// Process ingests one normalized event. A correlation miss parks the
// event instead of failing; a redelivered provider event short-circuits
// as a duplicate with no side effects. Store and aggregate commit as a
// pair or not at all.
func (e Engine) Process(ctx context.Context, in Inbound) (Result, error) {
	if strings.TrimSpace(in.Provider) == "" || strings.TrimSpace(in.ProviderEventID) == "" {
		return Result{}, errors.New("provider and provider_event_id are required")
	}
	enrollmentID, reason, err := e.correlate(ctx, in)
	if err != nil {
		return Result{}, err
	}
	if enrollmentID == "" {
		return e.park(ctx, in, reason)
	}

	now := e.now().UTC().Format(time.RFC3339)
	ev := domain.CampaignEvent{
		ID:              uuid.NewString(),
		EnrollmentID:    enrollmentID,
		Type:            in.Type,
		Channel:         in.Channel,
		StepNumber:      in.StepNumber,
		TS:              in.TS,
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		MetadataJSON:    in.MetadataJSON,
		CreatedAt:       now,
	}
	if ev.Type == "" {
		ev.Type = domain.EventUnknown
	}
	if ev.TS == "" {
		ev.TS = now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEventTx(ctx, tx, ev); err != nil {
		if errors.Is(err, repo.ErrDuplicateEvent) {
			tx.Rollback()
			existing, getErr := e.Repo.GetEventByProviderID(ctx, in.Provider, in.ProviderEventID)
			if getErr != nil {
				return Result{}, getErr
			}
			return Result{Outcome: OutcomeDuplicate, Event: existing}, nil
		}
		return Result{}, fmt.Errorf("insert event: %w", err)
	}

	enrollment, err := e.Repo.GetEnrollmentTx(ctx, tx, enrollmentID)
	if err != nil {
		return Result{}, fmt.Errorf("load enrollment %s: %w", enrollmentID, err)
	}
	if counter, ok := counterForEvent[ev.Type]; ok {
		if err := e.Repo.IncrementCountersTx(ctx, tx, enrollment.InstanceID, now, map[string]int64{counter: 1}); err != nil {
			return Result{}, fmt.Errorf("increment %s: %w", counter, err)
		}
	}
	if status, ok := statusForEvent[ev.Type]; ok {
		if _, err := e.Repo.TransitionEnrollmentStatusTx(ctx, tx, enrollmentID, status, now); err != nil {
			return Result{}, fmt.Errorf("transition enrollment: %w", err)
		}
	}
	// A converted orphan must not survive in both tables.
	if err := e.Repo.DeleteOrphanByProviderIDTx(ctx, tx, in.Provider, in.ProviderEventID); err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomeStored, Event: ev}, nil
}

// correlate resolves the enrollment for an inbound event. An empty
// enrollment id with a reason means the event should be parked.
func (e Engine) correlate(ctx context.Context, in Inbound) (string, string, error) {
	if in.EnrollmentID != "" {
		_, err := e.Repo.GetEnrollment(ctx, in.EnrollmentID)
		if errors.Is(err, repo.ErrNotFound) {
			return "", "enrollment not found", nil
		}
		if err != nil {
			return "", "", err
		}
		return in.EnrollmentID, "", nil
	}
	if in.ProviderKey == "" {
		return "", "no correlation reference", nil
	}
	enrollmentID, err := e.Repo.LookupKey(ctx, in.Provider, in.ProviderKey)
	if errors.Is(err, repo.ErrNotFound) {
		return "", "no matching enrollment", nil
	}
	if err != nil {
		return "", "", err
	}
	return enrollmentID, "", nil
}

func (e Engine) park(ctx context.Context, in Inbound, reason string) (Result, error) {
	now := e.now().UTC().Format(time.RFC3339)
	eventType := in.Type
	if eventType == "" {
		eventType = domain.EventUnknown
	}
	ts := in.TS
	if ts == "" {
		ts = now
	}
	o := domain.OrphanedEvent{
		ID:              uuid.NewString(),
		Provider:        in.Provider,
		ProviderEventID: in.ProviderEventID,
		ProviderKey:     in.ProviderKey,
		EnrollmentID:    in.EnrollmentID,
		Type:            eventType,
		Channel:         in.Channel,
		StepNumber:      in.StepNumber,
		TS:              ts,
		PayloadJSON:     in.MetadataJSON,
		Reason:          reason,
		ArrivedAt:       now,
		UpdatedAt:       now,
	}
	inserted, err := e.Repo.InsertOrphan(ctx, o)
	if err != nil {
		return Result{}, fmt.Errorf("park orphan: %w", err)
	}
	if !inserted {
		// Redelivery of an already parked event; ack with the stored row.
		existing, err := e.Repo.GetOrphanByProviderID(ctx, in.Provider, in.ProviderEventID)
		if err != nil {
			return Result{}, fmt.Errorf("load parked orphan: %w", err)
		}
		return Result{Outcome: OutcomeOrphaned, Orphan: existing}, nil
	}
	return Result{Outcome: OutcomeOrphaned, Orphan: o}, nil
}

// InboundFromOrphan rebuilds the pipeline input for a parked event so
// sweeps and operator replays run through the same idempotent path.
func InboundFromOrphan(o domain.OrphanedEvent) Inbound {
	return Inbound{
		Provider:        o.Provider,
		ProviderEventID: o.ProviderEventID,
		Type:            o.Type,
		Channel:         o.Channel,
		StepNumber:      o.StepNumber,
		TS:              o.TS,
		EnrollmentID:    o.EnrollmentID,
		ProviderKey:     o.ProviderKey,
		MetadataJSON:    o.PayloadJSON,
	}
}

// Metrics computes derived rates from the stored counters. Nothing is
// persisted; the convention is opened over delivered (not sent), clicked
// over opened, replied over delivered, with zero denominators yielding 0.
func (e Engine) Metrics(ctx context.Context, instanceID string) (domain.InstanceMetrics, error) {
	ci, err := e.Repo.GetInstance(ctx, instanceID)
	if err != nil {
		return domain.InstanceMetrics{}, err
	}
	return domain.InstanceMetrics{
		InstanceID:       ci.ID,
		TotalEnrolled:    ci.TotalEnrolled,
		TotalSent:        ci.TotalSent,
		TotalDelivered:   ci.TotalDelivered,
		TotalOpened:      ci.TotalOpened,
		TotalClicked:     ci.TotalClicked,
		TotalReplied:     ci.TotalReplied,
		DeliveryRate:     rate(ci.TotalDelivered, ci.TotalSent),
		OpenRate:         rate(ci.TotalOpened, ci.TotalDelivered),
		ClickThroughRate: rate(ci.TotalClicked, ci.TotalOpened),
		ReplyRate:        rate(ci.TotalReplied, ci.TotalDelivered),
	}, nil
}

// rate returns a percentage with two decimals, 0 when the denominator is 0.
func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return math.Round(float64(num)/float64(den)*10000) / 100
}
