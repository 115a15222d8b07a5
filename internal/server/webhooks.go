package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"pulseline/internal/ingest"
	"pulseline/internal/providers"
)

// Webhook bodies are small JSON documents; anything bigger is abuse.
const maxWebhookBody = 1 << 20

type webhookAck struct {
	Outcome  string `json:"outcome"`
	EventID  string `json:"event_id,omitempty"`
	OrphanID string `json:"orphan_id,omitempty"`
}

// registerWebhooks mounts the provider ingress. Providers retry on any
// non-2xx, so every handled delivery must ack, including duplicates and
// parked orphans. Only signature failures, malformed payloads and
// storage errors are refused.
func registerWebhooks(router chi.Router, e ingest.Engine) {
	cfg := e.Config
	window := time.Duration(cfg.RateLimitWindowSeconds()) * time.Second
	router.Route("/webhooks", func(r chi.Router) {
		r.Use(httprate.Limit(cfg.RateLimitRequests(), window,
			httprate.WithKeyFuncs(httprate.KeyByIP, httprate.KeyByEndpoint),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			}),
		))
		r.Post("/{provider}", webhookHandler(e))
	})
}

func webhookHandler(e ingest.Engine) http.HandlerFunc {
	timeout := time.Duration(e.Config.RequestTimeoutSeconds()) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "provider")
		adapter, ok := providers.ByName(name)
		if !ok || !e.Config.ProviderEnabled(name) {
			respondStatusError(w, newAPIError(http.StatusNotFound, "unknown_provider", "unknown provider", nil))
			return
		}
		rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unreadable body", nil))
			return
		}
		if len(rawBody) > maxWebhookBody {
			respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large", nil))
			return
		}

		secret := e.Config.ProviderSecret(name)
		if !adapter.Verify(rawBody, r.Header.Get(adapter.SignatureHeader()), secret) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "signature verification failed", nil))
			return
		}

		in, err := adapter.Normalize(rawBody)
		if err != nil {
			if errors.Is(err, providers.ErrMalformedPayload) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "malformed_payload", err.Error(), nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		res, err := e.Process(ctx, in)
		if err != nil {
			// Refusing makes the provider redeliver; the pipeline is
			// idempotent so a retry after a transient failure is safe.
			log.Printf("webhook: %s/%s: %v", name, in.ProviderEventID, err)
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "event not stored", nil))
			return
		}

		ack := webhookAck{Outcome: string(res.Outcome)}
		status := http.StatusAccepted
		switch res.Outcome {
		case ingest.OutcomeStored:
			ack.EventID = res.Event.ID
		case ingest.OutcomeDuplicate:
			ack.EventID = res.Event.ID
			status = http.StatusOK
		case ingest.OutcomeOrphaned:
			ack.OrphanID = res.Orphan.ID
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(ack)
	}
}
