package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"pulseline/internal/ingest"
)

// Adapter is one webhook source: it knows how that provider signs its
// deliveries and how to map its payload shape onto the canonical event.
// The set is closed; adapters are selected by name tag at the ingress.
type Adapter interface {
	Name() string
	Channel() string
	SignatureHeader() string
	Verify(rawBody []byte, headerValue, secret string) bool
	Normalize(rawBody []byte) (ingest.Inbound, error)
}

var ErrMalformedPayload = errors.New("malformed payload")

var registry = map[string]Adapter{
	"mailstep":  mailstepAdapter{},
	"linkpilot": linkpilotAdapter{},
	"hookrelay": hookrelayAdapter{},
}

// ByName returns the adapter for a provider tag.
func ByName(name string) (Adapter, bool) {
	a, ok := registry[name]
	return a, ok
}

// Names lists the known provider tags.
func Names() []string {
	return []string{"hookrelay", "linkpilot", "mailstep"}
}

// verifySignature checks a hex HMAC-SHA256 over the raw request bytes.
// The digest must be computed on the exact bytes the provider signed;
// re-serialized JSON changes whitespace and key order and breaks it.
// Lengths are compared up front so mismatched buffers never reach the
// constant-time comparison, which still guards the content check.
func verifySignature(rawBody []byte, headerValue, secret, prefix string) bool {
	if secret == "" {
		return false
	}
	sig := strings.TrimSpace(headerValue)
	if prefix != "" {
		if !strings.HasPrefix(sig, prefix) {
			return false
		}
		sig = sig[len(prefix):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	want := mac.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	return hmac.Equal(got, want)
}
