package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"pulseline/internal/domain"
	"pulseline/internal/ingest"
)

// hookrelayAdapter handles generic webhook senders that forward events in
// a near-canonical shape. Signatures follow the common
// "X-...-Signature-256: sha256=<hex>" convention.
type hookrelayAdapter struct{}

func (hookrelayAdapter) Name() string            { return "hookrelay" }
func (hookrelayAdapter) Channel() string         { return "email" }
func (hookrelayAdapter) SignatureHeader() string { return "X-Hookrelay-Signature-256" }

func (hookrelayAdapter) Verify(rawBody []byte, headerValue, secret string) bool {
	return verifySignature(rawBody, headerValue, secret, "sha256=")
}

var hookrelayEventTypes = map[string]string{
	domain.EventSent:               domain.EventSent,
	domain.EventDelivered:          domain.EventDelivered,
	domain.EventOpened:             domain.EventOpened,
	domain.EventClicked:            domain.EventClicked,
	domain.EventReplied:            domain.EventReplied,
	domain.EventBounced:            domain.EventBounced,
	domain.EventUnsubscribed:       domain.EventUnsubscribed,
	domain.EventConnectionAccepted: domain.EventConnectionAccepted,
	domain.EventConnectionRejected: domain.EventConnectionRejected,
}

type hookrelayPayload struct {
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	Channel      string          `json:"channel"`
	EnrollmentID string          `json:"enrollment_id"`
	Reference    string          `json:"reference"`
	StepNumber   *int            `json:"step_number"`
	Timestamp    json.RawMessage `json:"timestamp"`
}

func (a hookrelayAdapter) Normalize(rawBody []byte) (ingest.Inbound, error) {
	var p hookrelayPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return ingest.Inbound{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.EventID) == "" {
		return ingest.Inbound{}, fmt.Errorf("%w: event_id missing", ErrMalformedPayload)
	}
	eventType, ok := hookrelayEventTypes[p.Type]
	if !ok {
		eventType = domain.EventUnknown
	}
	channel := p.Channel
	if channel == "" {
		channel = a.Channel()
	}
	return ingest.Inbound{
		Provider:        a.Name(),
		ProviderEventID: p.EventID,
		Type:            eventType,
		Channel:         channel,
		StepNumber:      p.StepNumber,
		TS:              normalizeTimestamp(p.Timestamp),
		EnrollmentID:    p.EnrollmentID,
		ProviderKey:     p.Reference,
		MetadataJSON:    string(rawBody),
	}, nil
}
