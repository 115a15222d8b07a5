package domain

// Canonical event types reported by providers. Unrecognized provider
// types are preserved as EventUnknown so they can be reclassified later.
const (
	EventSent               = "sent"
	EventDelivered          = "delivered"
	EventOpened             = "opened"
	EventClicked            = "clicked"
	EventReplied            = "replied"
	EventBounced            = "bounced"
	EventUnsubscribed       = "unsubscribed"
	EventConnectionAccepted = "connection_accepted"
	EventConnectionRejected = "connection_rejected"
	EventUnknown            = "unknown"
)

// Enrollment statuses. Bounced and unsubscribed are terminal: once set by
// the aggregator they are never overwritten by a later event.
const (
	EnrollmentEnrolled     = "enrolled"
	EnrollmentActive       = "active"
	EnrollmentPaused       = "paused"
	EnrollmentCompleted    = "completed"
	EnrollmentUnsubscribed = "unsubscribed"
	EnrollmentBounced      = "bounced"
)

// TerminalEnrollmentStatus reports whether a status may never be replaced.
func TerminalEnrollmentStatus(status string) bool {
	return status == EnrollmentBounced || status == EnrollmentUnsubscribed
}

type CampaignTemplate struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Channel   string `json:"channel" enum:"email,linkedin,multi"`
	StepCount int    `json:"step_count"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CampaignInstance struct {
	ID             string `json:"id"`
	TemplateID     string `json:"template_id"`
	Name           string `json:"name"`
	Status         string `json:"status" enum:"draft,active,paused,completed,failed"`
	TotalEnrolled  int64  `json:"total_enrolled"`
	TotalSent      int64  `json:"total_sent"`
	TotalDelivered int64  `json:"total_delivered"`
	TotalOpened    int64  `json:"total_opened"`
	TotalClicked   int64  `json:"total_clicked"`
	TotalReplied   int64  `json:"total_replied"`
	CreatedAt      string `json:"created_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type Enrollment struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id"`
	Status      string `json:"status" enum:"enrolled,active,paused,completed,unsubscribed,bounced"`
	CurrentStep int    `json:"current_step"`
	ContactJSON string `json:"contact_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// CorrelationKey maps a provider-assigned send identifier back to the
// enrollment that produced it. (provider, key) is unique.
type CorrelationKey struct {
	EnrollmentID string `json:"enrollment_id"`
	Provider     string `json:"provider"`
	Key          string `json:"key"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// CampaignEvent is one immutable delivery/engagement fact. The pair
// (provider, provider_event_id) is unique; re-delivery is a no-op.
type CampaignEvent struct {
	ID              string `json:"id"`
	EnrollmentID    string `json:"enrollment_id"`
	Type            string `json:"type"`
	Channel         string `json:"channel"`
	StepNumber      *int   `json:"step_number,omitempty"`
	TS              string `json:"ts" format:"date-time"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	MetadataJSON    string `json:"metadata_json,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

// OrphanedEvent is a normalized event whose correlation lookup failed at
// ingestion time. It is retried by the sweep until resolved or
// dead-lettered, and removed once converted into a CampaignEvent.
type OrphanedEvent struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	ProviderKey     string `json:"provider_key,omitempty"`
	EnrollmentID    string `json:"enrollment_id,omitempty"`
	Type            string `json:"type"`
	Channel         string `json:"channel"`
	StepNumber      *int   `json:"step_number,omitempty"`
	TS              string `json:"ts" format:"date-time"`
	PayloadJSON     string `json:"payload_json,omitempty"`
	Reason          string `json:"reason"`
	RetryCount      int    `json:"retry_count"`
	DeadLettered    bool   `json:"dead_lettered"`
	ArrivedAt       string `json:"arrived_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// InstanceMetrics are derived on read from the stored rollup counters.
// Rates are percentages with two decimals; a zero denominator yields 0.
type InstanceMetrics struct {
	InstanceID       string  `json:"instance_id"`
	TotalEnrolled    int64   `json:"total_enrolled"`
	TotalSent        int64   `json:"total_sent"`
	TotalDelivered   int64   `json:"total_delivered"`
	TotalOpened      int64   `json:"total_opened"`
	TotalClicked     int64   `json:"total_clicked"`
	TotalReplied     int64   `json:"total_replied"`
	DeliveryRate     float64 `json:"delivery_rate"`
	OpenRate         float64 `json:"open_rate"`
	ClickThroughRate float64 `json:"click_through_rate"`
	ReplyRate        float64 `json:"reply_rate"`
}

// OrphanStat is one row of the operator stats view.
type OrphanStat struct {
	Provider string `json:"provider"`
	Status   string `json:"status" enum:"pending,dead_lettered"`
	Count    int64  `json:"count"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
