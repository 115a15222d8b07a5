package pulselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pulseline HTTP API client for orchestration layers
// that enroll contacts and register send identifiers.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Enrollment represents the API enrollment model (partial).
type Enrollment struct {
	ID          string `json:"id"`
	InstanceID  string `json:"instance_id"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step"`
	CreatedAt   string `json:"created_at"`
}

// CorrelationKey maps a provider send identifier to an enrollment.
type CorrelationKey struct {
	EnrollmentID string `json:"enrollment_id"`
	Provider     string `json:"provider"`
	Key          string `json:"key"`
	CreatedAt    string `json:"created_at"`
}

// InstanceMetrics holds rollup counters and derived rates.
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

// ReplayResult reports an operator replay of dead-lettered events.
type ReplayResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEnrollment enrolls a contact into a campaign instance.
func (c *Client) CreateEnrollment(ctx context.Context, instanceID string, contact map[string]any) (Enrollment, error) {
	body := map[string]any{
		"instance_id": instanceID,
	}
	if len(contact) > 0 {
		body["contact"] = contact
	}
	var resp Enrollment
	err := c.do(ctx, http.MethodPost, "v1/enrollments", body, &resp)
	return resp, err
}

// RegisterOutboundKey records the provider-assigned send identifier for
// an enrollment. Call this right after a provider acknowledges a send;
// events referencing the key may already have arrived and been parked.
func (c *Client) RegisterOutboundKey(ctx context.Context, enrollmentID, provider, key string) (CorrelationKey, error) {
	body := map[string]any{
		"provider": provider,
		"key":      key,
	}
	var resp CorrelationKey
	endpoint := fmt.Sprintf("v1/enrollments/%s/keys", url.PathEscape(enrollmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// InstanceMetrics returns rollup counters and derived rates for a
// campaign instance.
func (c *Client) InstanceMetrics(ctx context.Context, instanceID string) (InstanceMetrics, error) {
	var resp InstanceMetrics
	endpoint := fmt.Sprintf("v1/instances/%s/metrics", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ReplayDeadLetters pushes dead-lettered events back through ingestion.
func (c *Client) ReplayDeadLetters(ctx context.Context, ids []string) (ReplayResult, error) {
	body := map[string]any{"ids": ids}
	var resp ReplayResult
	err := c.do(ctx, http.MethodPost, "v1/dead-letters/replay", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
