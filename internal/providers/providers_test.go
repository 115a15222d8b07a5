package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"pulseline/internal/domain"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMailstepVerify(t *testing.T) {
	a, ok := ByName("mailstep")
	if !ok {
		t.Fatal("mailstep adapter missing")
	}
	body := []byte(`{"event_id":"e1","event":"delivered"}`)
	sig := sign(body, "secret")

	if !a.Verify(body, sig, "secret") {
		t.Fatal("valid signature rejected")
	}
	if a.Verify([]byte(`{"event_id":"e1","event":"opened"}`), sig, "secret") {
		t.Fatal("tampered body accepted")
	}
	if a.Verify(body, sig, "other") {
		t.Fatal("wrong secret accepted")
	}
	if a.Verify(body, sig[:10], "secret") {
		t.Fatal("truncated signature accepted")
	}
	if a.Verify(body, "not-hex", "secret") {
		t.Fatal("non-hex signature accepted")
	}
	if a.Verify(body, sig, "") {
		t.Fatal("empty secret accepted")
	}
}

func TestLinkpilotVerifyRequiresPrefix(t *testing.T) {
	a, _ := ByName("linkpilot")
	body := []byte(`{"id":"e1","action":"message_seen"}`)
	sig := sign(body, "secret")

	if !a.Verify(body, "sha256="+sig, "secret") {
		t.Fatal("prefixed signature rejected")
	}
	if a.Verify(body, sig, "secret") {
		t.Fatal("unprefixed signature accepted")
	}
}

func TestMailstepNormalize(t *testing.T) {
	a, _ := ByName("mailstep")
	body := []byte(`{"event_id":"ms-1","event":"open","message_id":"msg-9","timestamp":1767225600,"step":2,"metadata":{"enrollment_id":"en-7"}}`)
	in, err := a.Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Provider != "mailstep" || in.ProviderEventID != "ms-1" {
		t.Fatalf("identity = %s/%s", in.Provider, in.ProviderEventID)
	}
	if in.Type != domain.EventOpened {
		t.Fatalf("type = %s, want opened", in.Type)
	}
	if in.EnrollmentID != "en-7" || in.ProviderKey != "msg-9" {
		t.Fatalf("correlation = %s/%s", in.EnrollmentID, in.ProviderKey)
	}
	if in.StepNumber == nil || *in.StepNumber != 2 {
		t.Fatalf("step = %v", in.StepNumber)
	}
	if in.TS != "2026-01-01T00:00:00Z" {
		t.Fatalf("ts = %s", in.TS)
	}
}

func TestMailstepNormalizeUnknownType(t *testing.T) {
	a, _ := ByName("mailstep")
	in, err := a.Normalize([]byte(`{"event_id":"ms-2","event":"deferred"}`))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Type != domain.EventUnknown {
		t.Fatalf("type = %s, want unknown", in.Type)
	}
}

func TestMailstepNormalizeRejectsMissingID(t *testing.T) {
	a, _ := ByName("mailstep")
	if _, err := a.Normalize([]byte(`{"event":"open"}`)); err == nil {
		t.Fatal("expected error for missing event_id")
	}
	if _, err := a.Normalize([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestLinkpilotNormalize(t *testing.T) {
	a, _ := ByName("linkpilot")
	body := []byte(`{"id":"lp-1","action":"connection_declined","action_id":"act-5","occurred_at":"2026-02-01T10:00:00Z","sequence":1}`)
	in, err := a.Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Type != domain.EventConnectionRejected {
		t.Fatalf("type = %s, want connection_rejected", in.Type)
	}
	if in.Channel != "linkedin" {
		t.Fatalf("channel = %s", in.Channel)
	}
	// Linkpilot never echoes enrollment ids; the action id is the only hook.
	if in.EnrollmentID != "" || in.ProviderKey != "act-5" {
		t.Fatalf("correlation = %q/%q", in.EnrollmentID, in.ProviderKey)
	}
}

func TestHookrelayNormalize(t *testing.T) {
	a, _ := ByName("hookrelay")
	body := []byte(`{"event_id":"hr-1","type":"clicked","channel":"email","enrollment_id":"en-3","timestamp":"2026-02-02T08:30:00Z"}`)
	in, err := a.Normalize(body)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Type != domain.EventClicked || in.EnrollmentID != "en-3" {
		t.Fatalf("got %s/%s", in.Type, in.EnrollmentID)
	}
	if in.TS != "2026-02-02T08:30:00Z" {
		t.Fatalf("ts = %s", in.TS)
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 3 {
		t.Fatalf("names = %v", names)
	}
	for _, n := range names {
		if _, ok := ByName(n); !ok {
			t.Fatalf("adapter %s not registered", n)
		}
	}
}
