package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"pulseline/internal/domain"
	"pulseline/internal/ingest"
)

// linkpilotAdapter handles the LinkedIn automation provider. Linkpilot
// prefixes its signature with "sha256=" and never echoes application
// metadata; every webhook correlates through the action id captured at
// send time.
type linkpilotAdapter struct{}

func (linkpilotAdapter) Name() string            { return "linkpilot" }
func (linkpilotAdapter) Channel() string         { return "linkedin" }
func (linkpilotAdapter) SignatureHeader() string { return "X-Linkpilot-Signature" }

func (linkpilotAdapter) Verify(rawBody []byte, headerValue, secret string) bool {
	return verifySignature(rawBody, headerValue, secret, "sha256=")
}

var linkpilotEventTypes = map[string]string{
	"message_sent":        domain.EventSent,
	"message_delivered":   domain.EventDelivered,
	"message_seen":        domain.EventOpened,
	"message_replied":     domain.EventReplied,
	"connection_accepted": domain.EventConnectionAccepted,
	"connection_declined": domain.EventConnectionRejected,
}

type linkpilotPayload struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	ActionID   string          `json:"action_id"`
	OccurredAt json.RawMessage `json:"occurred_at"`
	Sequence   *int            `json:"sequence"`
}

func (a linkpilotAdapter) Normalize(rawBody []byte) (ingest.Inbound, error) {
	var p linkpilotPayload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return ingest.Inbound{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return ingest.Inbound{}, fmt.Errorf("%w: id missing", ErrMalformedPayload)
	}
	eventType, ok := linkpilotEventTypes[p.Action]
	if !ok {
		eventType = domain.EventUnknown
	}
	return ingest.Inbound{
		Provider:        a.Name(),
		ProviderEventID: p.ID,
		Type:            eventType,
		Channel:         a.Channel(),
		StepNumber:      p.Sequence,
		TS:              normalizeTimestamp(p.OccurredAt),
		ProviderKey:     p.ActionID,
		MetadataJSON:    string(rawBody),
	}, nil
}
