package providers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pulseline/internal/domain"
	"pulseline/internal/ingest"
)

// mailstepAdapter handles the transactional email provider. Mailstep
// signs with a raw hex HMAC and echoes back any metadata attached at
// send time, so most of its webhooks carry the enrollment id directly.
type mailstepAdapter struct{}

func (mailstepAdapter) Name() string            { return "mailstep" }
func (mailstepAdapter) Channel() string         { return "email" }
func (mailstepAdapter) SignatureHeader() string { return "X-Mailstep-Signature" }

func (mailstepAdapter) Verify(rawBody []byte, headerValue, secret string) bool {
	return verifySignature(rawBody, headerValue, secret, "")
}

var mailstepEventTypes = map[string]string{
	"sent":        domain.EventSent,
	"delivered":   domain.EventDelivered,
	"open":        domain.EventOpened,
	"click":       domain.EventClicked,
	"reply":       domain.EventReplied,
	"hard_bounce": domain.EventBounced,
	"soft_bounce": domain.EventBounced,
	"unsubscribe": domain.EventUnsubscribed,
	"spam_report": domain.EventUnsubscribed,
	"deferred":    domain.EventUnknown,
	"blocked":     domain.EventUnknown,
}

type mailstepPayload struct {
	EventID   string          `json:"event_id"`
	Event     string          `json:"event"`
	MessageID string          `json:"message_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Step      *int            `json:"step"`
	Metadata  struct {
		EnrollmentID string `json:"enrollment_id"`
	} `json:"metadata"`
}

func (a mailstepAdapter) Normalize(rawBody []byte) (ingest.Inbound, error) {
	var p mailstepPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return ingest.Inbound{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.EventID) == "" {
		return ingest.Inbound{}, fmt.Errorf("%w: event_id missing", ErrMalformedPayload)
	}
	eventType, ok := mailstepEventTypes[p.Event]
	if !ok {
		eventType = domain.EventUnknown
	}
	return ingest.Inbound{
		Provider:        a.Name(),
		ProviderEventID: p.EventID,
		Type:            eventType,
		Channel:         a.Channel(),
		StepNumber:      p.Step,
		TS:              normalizeTimestamp(p.Timestamp),
		EnrollmentID:    p.Metadata.EnrollmentID,
		ProviderKey:     p.MessageID,
		MetadataJSON:    string(rawBody),
	}, nil
}

// normalizeTimestamp accepts RFC3339 strings or unix seconds and returns
// RFC3339 UTC; empty or unparseable values yield "" so the pipeline falls
// back to arrival time.
func normalizeTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC().Format(time.RFC3339)
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
			return time.Unix(secs, 0).UTC().Format(time.RFC3339)
		}
		return ""
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC().Format(time.RFC3339)
	}
	return ""
}
