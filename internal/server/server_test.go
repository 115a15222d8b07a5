package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"pulseline/internal/config"
	"pulseline/internal/db"
	"pulseline/internal/domain"
	"pulseline/internal/ingest"
	"pulseline/internal/migrate"
	"pulseline/internal/sweep"
)

const (
	mailstepSecret  = "ms-test-secret"
	linkpilotSecret = "lp-test-secret"
	hookrelaySecret = "hr-test-secret"
)

type testServer struct {
	URL    string
	Engine ingest.Engine
	APIKey string
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{
		Providers: []config.ProviderConfig{
			{Name: "mailstep", Secret: mailstepSecret},
			{Name: "linkpilot", Secret: linkpilotSecret},
			{Name: "hookrelay", Secret: hookrelaySecret},
		},
	}
	e := ingest.New(conn, cfg)
	_, rawKey, err := e.CreateAPIKey(context.Background(), "tester", "test key")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, Sweeper: sweep.New(e), BasePath: "/v1", Auth: AuthConfig{JWTSecret: "jwt-test-secret"}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		APIKey: rawKey,
		client: &http.Client{},
	}
}

func (s *testServer) seedEnrollment(t *testing.T) (domain.CampaignInstance, domain.Enrollment) {
	t.Helper()
	ctx := context.Background()
	tpl, err := s.Engine.CreateTemplate(ctx, ingest.TemplateCreateOptions{Name: "Test sequence"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	ci, err := s.Engine.CreateInstance(ctx, ingest.InstanceCreateOptions{TemplateID: tpl.ID})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	en, err := s.Engine.Enroll(ctx, ingest.EnrollOptions{InstanceID: ci.ID})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return ci, en
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *testServer) postWebhook(t *testing.T, provider string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/webhooks/"+provider, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func (s *testServer) doAPI(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", s.APIKey)
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, data
}

func TestWebhookRejectsBadSignatures(t *testing.T) {
	srv := newTestServer(t)
	srv.seedEnrollment(t)
	body := []byte(`{"event_id":"ms-1","event":"delivered"}`)

	res, _ := srv.postWebhook(t, "mailstep", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing signature status = %d, want 401", res.StatusCode)
	}
	res, _ = srv.postWebhook(t, "mailstep", body, map[string]string{
		"X-Mailstep-Signature": sign(body, "wrong-secret"),
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d, want 401", res.StatusCode)
	}
	res, _ = srv.postWebhook(t, "mailstep", body, map[string]string{
		"X-Mailstep-Signature": sign(body, mailstepSecret)[:16],
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("truncated signature status = %d, want 401", res.StatusCode)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	srv := newTestServer(t)
	res, _ := srv.postWebhook(t, "nosuch", []byte(`{}`), nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`not json at all`)
	res, _ := srv.postWebhook(t, "mailstep", body, map[string]string{
		"X-Mailstep-Signature": sign(body, mailstepSecret),
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestWebhookIdempotentDelivery(t *testing.T) {
	srv := newTestServer(t)
	ci, en := srv.seedEnrollment(t)
	body := []byte(fmt.Sprintf(`{"event_id":"ms-77","event":"delivered","message_id":"msg-1","metadata":{"enrollment_id":"%s"}}`, en.ID))
	headers := map[string]string{"X-Mailstep-Signature": sign(body, mailstepSecret)}

	res, data := srv.postWebhook(t, "mailstep", body, headers)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first delivery status = %d: %s", res.StatusCode, data)
	}
	var ack webhookAck
	_ = json.Unmarshal(data, &ack)
	if ack.Outcome != "stored" {
		t.Fatalf("first outcome = %s, want stored", ack.Outcome)
	}

	res, data = srv.postWebhook(t, "mailstep", body, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("redelivery status = %d: %s", res.StatusCode, data)
	}
	_ = json.Unmarshal(data, &ack)
	if ack.Outcome != "duplicate" {
		t.Fatalf("redelivery outcome = %s, want duplicate", ack.Outcome)
	}

	res, data = srv.doAPI(t, http.MethodGet, "/v1/instances/"+ci.ID+"/metrics", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d: %s", res.StatusCode, data)
	}
	var m domain.InstanceMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal metrics: %v", err)
	}
	if m.TotalDelivered != 1 {
		t.Fatalf("total_delivered = %d, want 1", m.TotalDelivered)
	}
}

func TestWebhookOrphanThenSweepConverts(t *testing.T) {
	srv := newTestServer(t)
	ci, en := srv.seedEnrollment(t)

	// Event arrives before the send identifier is registered.
	body := []byte(`{"id":"lp-9","action":"message_replied","action_id":"act-9"}`)
	res, data := srv.postWebhook(t, "linkpilot", body, map[string]string{
		"X-Linkpilot-Signature": "sha256=" + sign(body, linkpilotSecret),
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("orphan delivery status = %d: %s", res.StatusCode, data)
	}
	var ack webhookAck
	_ = json.Unmarshal(data, &ack)
	if ack.Outcome != "orphaned" {
		t.Fatalf("outcome = %s, want orphaned", ack.Outcome)
	}

	res, data = srv.doAPI(t, http.MethodPost, "/v1/enrollments/"+en.ID+"/keys", map[string]any{
		"provider": "linkpilot",
		"key":      "act-9",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register key status = %d: %s", res.StatusCode, data)
	}

	res, data = srv.doAPI(t, http.MethodPost, "/v1/sweep/run", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status = %d: %s", res.StatusCode, data)
	}

	res, data = srv.doAPI(t, http.MethodGet, "/v1/instances/"+ci.ID+"/metrics", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d: %s", res.StatusCode, data)
	}
	var m domain.InstanceMetrics
	_ = json.Unmarshal(data, &m)
	if m.TotalReplied != 1 {
		t.Fatalf("total_replied = %d, want 1", m.TotalReplied)
	}

	res, data = srv.doAPI(t, http.MethodGet, "/v1/orphans/stats", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d: %s", res.StatusCode, data)
	}
	var stats []domain.OrphanStat
	_ = json.Unmarshal(data, &stats)
	if len(stats) != 0 {
		t.Fatalf("orphan stats should be empty after conversion: %v", stats)
	}
}

func TestDeleteInstanceCascades(t *testing.T) {
	srv := newTestServer(t)
	ci, en := srv.seedEnrollment(t)
	body := []byte(fmt.Sprintf(`{"event_id":"ms-del-1","event":"delivered","metadata":{"enrollment_id":"%s"}}`, en.ID))
	res, data := srv.postWebhook(t, "mailstep", body, map[string]string{
		"X-Mailstep-Signature": sign(body, mailstepSecret),
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("delivery status = %d: %s", res.StatusCode, data)
	}

	res, data = srv.doAPI(t, http.MethodDelete, "/v1/instances/"+ci.ID, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d: %s", res.StatusCode, data)
	}
	res, _ = srv.doAPI(t, http.MethodGet, "/v1/instances/"+ci.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", res.StatusCode)
	}
	res, _ = srv.doAPI(t, http.MethodGet, "/v1/enrollments/"+en.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("enrollment should cascade, got %d", res.StatusCode)
	}
	res, _ = srv.doAPI(t, http.MethodDelete, "/v1/instances/"+ci.ID, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete = %d, want 404", res.StatusCode)
	}
}

func TestAPIRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/instances", nil)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}

	// Health stays open.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/health", nil)
	res2, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", res2.StatusCode)
	}
}

func TestEnrollmentLifecycleOverAPI(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doAPI(t, http.MethodPost, "/v1/templates", map[string]any{
		"name":       "API sequence",
		"channel":    "email",
		"step_count": 2,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create template status = %d: %s", res.StatusCode, data)
	}
	var tpl domain.CampaignTemplate
	_ = json.Unmarshal(data, &tpl)

	res, data = srv.doAPI(t, http.MethodPost, "/v1/instances", map[string]any{"template_id": tpl.ID})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create instance status = %d: %s", res.StatusCode, data)
	}
	var ci domain.CampaignInstance
	_ = json.Unmarshal(data, &ci)

	res, data = srv.doAPI(t, http.MethodPost, "/v1/enrollments", map[string]any{
		"instance_id": ci.ID,
		"contact":     map[string]any{"email": "grace@example.com"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create enrollment status = %d: %s", res.StatusCode, data)
	}
	var en domain.Enrollment
	_ = json.Unmarshal(data, &en)
	if en.Status != domain.EnrollmentEnrolled {
		t.Fatalf("enrollment status = %s, want enrolled", en.Status)
	}

	res, data = srv.doAPI(t, http.MethodGet, "/v1/instances/"+ci.ID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status = %d: %s", res.StatusCode, data)
	}
	_ = json.Unmarshal(data, &ci)
	if ci.TotalEnrolled != 1 {
		t.Fatalf("total_enrolled = %d, want 1", ci.TotalEnrolled)
	}
}
