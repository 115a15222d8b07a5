package sweep_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/ingest"
	"pulseline/internal/migrate"
	"pulseline/internal/repo"
	"pulseline/internal/sweep"
)

type testEnv struct {
	Engine  ingest.Engine
	Sweeper *sweep.Sweeper
	Ctx     context.Context
}

func newTestEnv(t *testing.T, maxRetries int) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Sweep.MaxRetries = maxRetries
	eng := ingest.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Sweeper: sweep.New(eng), Ctx: context.Background()}
}

func seedEnrollment(t *testing.T, env testEnv) (domain.CampaignInstance, domain.Enrollment) {
	t.Helper()
	tpl, err := env.Engine.CreateTemplate(env.Ctx, ingest.TemplateCreateOptions{Name: "LinkedIn outreach", Channel: "linkedin"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	ci, err := env.Engine.CreateInstance(env.Ctx, ingest.InstanceCreateOptions{TemplateID: tpl.ID})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	en, err := env.Engine.Enroll(env.Ctx, ingest.EnrollOptions{InstanceID: ci.ID})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return ci, en
}

func parkEvent(t *testing.T, env testEnv, eventID, key string) domain.OrphanedEvent {
	t.Helper()
	res, err := env.Engine.Process(env.Ctx, ingest.Inbound{
		Provider:        "linkpilot",
		ProviderEventID: eventID,
		Type:            domain.EventReplied,
		Channel:         "linkedin",
		ProviderKey:     key,
	})
	if err != nil {
		t.Fatalf("park: %v", err)
	}
	if res.Outcome != ingest.OutcomeOrphaned {
		t.Fatalf("outcome = %s, want orphaned", res.Outcome)
	}
	return res.Orphan
}

func TestCycleConvertsResolvableOrphan(t *testing.T) {
	env := newTestEnv(t, 5)
	ci, en := seedEnrollment(t, env)
	o := parkEvent(t, env, "lp-1", "act-1")

	if _, err := env.Engine.RegisterKey(env.Ctx, en.ID, "linkpilot", "act-1"); err != nil {
		t.Fatalf("register key: %v", err)
	}
	if err := env.Sweeper.Cycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := env.Engine.Repo.GetOrphan(env.Ctx, o.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("orphan should be removed, got %v", err)
	}
	ev, err := env.Engine.Repo.GetEventByProviderID(env.Ctx, "linkpilot", "lp-1")
	if err != nil {
		t.Fatalf("converted event missing: %v", err)
	}
	if ev.EnrollmentID != en.ID {
		t.Fatalf("event enrollment = %s, want %s", ev.EnrollmentID, en.ID)
	}
	got, _ := env.Engine.Repo.GetInstance(env.Ctx, ci.ID)
	if got.TotalReplied != 1 {
		t.Fatalf("total_replied = %d, want 1", got.TotalReplied)
	}
}

// An event can carry only an echoed enrollment id (no send identifier)
// and still arrive before the enrollment exists. The parked row must keep
// the id so a later sweep can resolve it.
func TestCycleResolvesEchoedEnrollmentOrphan(t *testing.T) {
	env := newTestEnv(t, 5)
	ci, _ := seedEnrollment(t, env)

	res, err := env.Engine.Process(env.Ctx, ingest.Inbound{
		Provider:        "hookrelay",
		ProviderEventID: "hr-early-1",
		Type:            domain.EventDelivered,
		Channel:         "email",
		EnrollmentID:    "en-late",
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Outcome != ingest.OutcomeOrphaned || res.Orphan.Reason != "enrollment not found" {
		t.Fatalf("outcome = %s (%s), want orphaned (enrollment not found)", res.Outcome, res.Orphan.Reason)
	}

	// The enrollment commits after the webhook was already parked.
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	late := domain.Enrollment{ID: "en-late", InstanceID: ci.ID, Status: domain.EnrollmentEnrolled, CreatedAt: now, UpdatedAt: now}
	if err := env.Engine.Repo.InsertEnrollmentTx(env.Ctx, tx, late); err != nil {
		t.Fatalf("insert enrollment: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := env.Sweeper.Cycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := env.Engine.Repo.GetOrphan(env.Ctx, res.Orphan.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("orphan should be resolved, got %v", err)
	}
	ev, err := env.Engine.Repo.GetEventByProviderID(env.Ctx, "hookrelay", "hr-early-1")
	if err != nil {
		t.Fatalf("converted event missing: %v", err)
	}
	if ev.EnrollmentID != "en-late" {
		t.Fatalf("event enrollment = %s, want en-late", ev.EnrollmentID)
	}
	got, _ := env.Engine.Repo.GetInstance(env.Ctx, ci.ID)
	if got.TotalDelivered != 1 {
		t.Fatalf("total_delivered = %d, want 1", got.TotalDelivered)
	}
}

func TestCycleDeadLettersAfterMaxRetries(t *testing.T) {
	env := newTestEnv(t, 2)
	seedEnrollment(t, env)
	o := parkEvent(t, env, "lp-2", "act-never")

	for i := 0; i < 2; i++ {
		if err := env.Sweeper.Cycle(env.Ctx); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetOrphan(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get orphan: %v", err)
	}
	if !got.DeadLettered {
		t.Fatalf("orphan not dead-lettered after %d retries: %+v", got.RetryCount, got)
	}
	pending, _ := env.Engine.Repo.ListPendingOrphans(env.Ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("dead-lettered orphan still pending")
	}
	dead, _ := env.Engine.Repo.ListDeadLettered(env.Ctx, repo.OrphanFilters{})
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
}

func TestCycleRemovesAlreadyStoredOrphan(t *testing.T) {
	env := newTestEnv(t, 5)
	_, en := seedEnrollment(t, env)

	// Store the event through the live path first.
	if _, err := env.Engine.Process(env.Ctx, ingest.Inbound{
		Provider: "linkpilot", ProviderEventID: "lp-3", Type: domain.EventReplied, Channel: "linkedin", EnrollmentID: en.ID,
	}); err != nil {
		t.Fatal(err)
	}
	// A stale parked copy of the same delivery must be cleaned up, not retried.
	now := time.Now().UTC().Format(time.RFC3339)
	stale := domain.OrphanedEvent{
		ID: "stale-1", Provider: "linkpilot", ProviderEventID: "lp-3", ProviderKey: "act-3",
		Type: domain.EventReplied, Channel: "linkedin", TS: now, Reason: "no matching enrollment",
		ArrivedAt: now, UpdatedAt: now,
	}
	if _, err := env.Engine.Repo.InsertOrphan(env.Ctx, stale); err != nil {
		t.Fatalf("insert stale orphan: %v", err)
	}
	if _, err := env.Engine.RegisterKey(env.Ctx, en.ID, "linkpilot", "act-3"); err != nil {
		t.Fatal(err)
	}
	if err := env.Sweeper.Cycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, err := env.Engine.Repo.GetOrphan(env.Ctx, "stale-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("stale orphan should be removed, got %v", err)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, en.ID)
	if n != 1 {
		t.Fatalf("events = %d, want 1", n)
	}
}

func TestReplayDeadLetters(t *testing.T) {
	env := newTestEnv(t, 1)
	ci, en := seedEnrollment(t, env)
	o := parkEvent(t, env, "lp-4", "act-4")

	if err := env.Sweeper.Cycle(env.Ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	got, _ := env.Engine.Repo.GetOrphan(env.Ctx, o.ID)
	if !got.DeadLettered {
		t.Fatalf("expected dead-lettered orphan")
	}

	// Operator fixes correlation, then replays.
	if _, err := env.Engine.RegisterKey(env.Ctx, en.ID, "linkpilot", "act-4"); err != nil {
		t.Fatal(err)
	}
	res, err := env.Sweeper.Replay(env.Ctx, []string{o.ID, "missing-id"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != o.ID {
		t.Fatalf("succeeded = %v", res.Succeeded)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "missing-id" {
		t.Fatalf("failed = %v", res.Failed)
	}
	inst, _ := env.Engine.Repo.GetInstance(env.Ctx, ci.ID)
	if inst.TotalReplied != 1 {
		t.Fatalf("total_replied = %d, want 1", inst.TotalReplied)
	}

	// Replaying again has nothing to do; the event is already stored.
	res, err = env.Sweeper.Replay(env.Ctx, []string{o.ID})
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if len(res.Failed) != 1 {
		t.Fatalf("second replay of removed orphan should fail lookup, got %v", res)
	}
}

func TestDiscard(t *testing.T) {
	env := newTestEnv(t, 1)
	seedEnrollment(t, env)
	o := parkEvent(t, env, "lp-5", "act-5")

	n, err := env.Sweeper.Discard(env.Ctx, []string{o.ID})
	if err != nil {
		t.Fatalf("discard: %v", err)
	}
	if n != 1 {
		t.Fatalf("discarded = %d, want 1", n)
	}
	if _, err := env.Engine.Repo.GetOrphan(env.Ctx, o.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("orphan should be gone, got %v", err)
	}
}
