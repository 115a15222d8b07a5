package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pulseline/internal/domain"
	"pulseline/internal/repo"
)

// Admin-facing operations used by the HTTP server and the CLI. The CRUD
// surface around the pipeline is deliberately thin; the orchestration
// layer that drives outbound sends lives elsewhere.

type TemplateCreateOptions struct {
	Name      string
	Channel   string
	StepCount int
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.CampaignTemplate, error) {
	if opts.Name == "" {
		return domain.CampaignTemplate{}, errors.New("name is required")
	}
	switch opts.Channel {
	case "email", "linkedin", "multi":
	case "":
		opts.Channel = "email"
	default:
		return domain.CampaignTemplate{}, fmt.Errorf("invalid channel %s", opts.Channel)
	}
	t := domain.CampaignTemplate{
		ID:        uuid.NewString(),
		Name:      opts.Name,
		Channel:   opts.Channel,
		StepCount: opts.StepCount,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertTemplate(ctx, t); err != nil {
		return domain.CampaignTemplate{}, err
	}
	return t, nil
}

type InstanceCreateOptions struct {
	TemplateID string
	Name       string
}

func (e Engine) CreateInstance(ctx context.Context, opts InstanceCreateOptions) (domain.CampaignInstance, error) {
	if opts.TemplateID == "" {
		return domain.CampaignInstance{}, errors.New("template_id is required")
	}
	tpl, err := e.Repo.GetTemplate(ctx, opts.TemplateID)
	if err != nil {
		return domain.CampaignInstance{}, err
	}
	name := opts.Name
	if name == "" {
		name = tpl.Name
	}
	now := e.now().UTC().Format(time.RFC3339)
	ci := domain.CampaignInstance{
		ID:         uuid.NewString(),
		TemplateID: tpl.ID,
		Name:       name,
		Status:     "draft",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertInstance(ctx, ci); err != nil {
		return domain.CampaignInstance{}, err
	}
	return ci, nil
}

var instanceStatuses = map[string]bool{
	"draft": true, "active": true, "paused": true, "completed": true, "failed": true,
}

func (e Engine) SetInstanceStatus(ctx context.Context, id, status string) (domain.CampaignInstance, error) {
	if !instanceStatuses[status] {
		return domain.CampaignInstance{}, fmt.Errorf("invalid instance status %s", status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateInstanceStatus(ctx, id, status, now); err != nil {
		return domain.CampaignInstance{}, err
	}
	return e.Repo.GetInstance(ctx, id)
}

type EnrollOptions struct {
	InstanceID string
	Contact    map[string]any
}

// Enroll creates an enrollment and bumps total_enrolled atomically.
func (e Engine) Enroll(ctx context.Context, opts EnrollOptions) (domain.Enrollment, error) {
	if opts.InstanceID == "" {
		return domain.Enrollment{}, errors.New("instance_id is required")
	}
	if _, err := e.Repo.GetInstance(ctx, opts.InstanceID); err != nil {
		return domain.Enrollment{}, err
	}
	var contactJSON string
	if len(opts.Contact) > 0 {
		data, err := json.Marshal(opts.Contact)
		if err != nil {
			return domain.Enrollment{}, fmt.Errorf("marshal contact: %w", err)
		}
		contactJSON = string(data)
	}
	now := e.now().UTC().Format(time.RFC3339)
	en := domain.Enrollment{
		ID:          uuid.NewString(),
		InstanceID:  opts.InstanceID,
		Status:      domain.EnrollmentEnrolled,
		ContactJSON: contactJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Enrollment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEnrollmentTx(ctx, tx, en); err != nil {
		return domain.Enrollment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Enrollment{}, err
	}
	return en, nil
}

var enrollmentStatuses = map[string]bool{
	domain.EnrollmentEnrolled: true, domain.EnrollmentActive: true, domain.EnrollmentPaused: true,
	domain.EnrollmentCompleted: true, domain.EnrollmentUnsubscribed: true, domain.EnrollmentBounced: true,
}

func (e Engine) SetEnrollmentStatus(ctx context.Context, id, status string) (domain.Enrollment, error) {
	if !enrollmentStatuses[status] {
		return domain.Enrollment{}, fmt.Errorf("invalid enrollment status %s", status)
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateEnrollmentStatus(ctx, id, status, now); err != nil {
		return domain.Enrollment{}, err
	}
	return e.Repo.GetEnrollment(ctx, id)
}

// RegisterKey records a provider correlation key for an enrollment. Called
// by the orchestration layer right after a provider acknowledges a send;
// webhooks referencing the key may already have arrived and been parked.
func (e Engine) RegisterKey(ctx context.Context, enrollmentID, provider, key string) (domain.CorrelationKey, error) {
	if enrollmentID == "" || provider == "" || key == "" {
		return domain.CorrelationKey{}, errors.New("enrollment_id, provider and key are required")
	}
	if _, err := e.Repo.GetEnrollment(ctx, enrollmentID); err != nil {
		return domain.CorrelationKey{}, err
	}
	k := domain.CorrelationKey{
		EnrollmentID: enrollmentID,
		Provider:     provider,
		Key:          key,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.RecordOutboundKey(ctx, k); err != nil {
		return domain.CorrelationKey{}, err
	}
	return k, nil
}

// CreateAPIKey mints a raw operator key and stores only its hash.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id is required")
	}
	raw := uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}
