package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/meraki-bazaar/api/internal/payments"
	"github.com/meraki-bazaar/api/internal/services"
)

type stubWebhookService struct {
	processFunc func(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error)
	calls       int
}

func (s *stubWebhookService) Process(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	s.calls++
	if s.processFunc != nil {
		return s.processFunc(ctx, payload, signature)
	}
	return services.WebhookResult{EventID: "evt_1", EventType: "checkout.session.completed", Outcome: services.WebhookOutcomeEnqueued}, nil
}

func serveWebhook(h *WebhookHandlers, body, signature string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	h.Routes(r)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestWebhookAcknowledgesVerifiedEvent(t *testing.T) {
	var gotPayload []byte
	var gotSignature string
	svc := &stubWebhookService{
		processFunc: func(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
			gotPayload = payload
			gotSignature = signature
			return services.WebhookResult{EventID: "evt_1", Outcome: services.WebhookOutcomeEnqueued}, nil
		},
	}
	h := NewWebhookHandlers(svc, nil)

	rr := serveWebhook(h, `{"id":"evt_1","type":"checkout.session.completed"}`, "t=1,v1=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp webhookResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if !resp.Received {
		t.Fatal("expected received=true")
	}
	if string(gotPayload) != `{"id":"evt_1","type":"checkout.session.completed"}` {
		t.Fatalf("payload not passed through verbatim: %s", gotPayload)
	}
	if gotSignature != "t=1,v1=abc" {
		t.Fatalf("unexpected signature header %q", gotSignature)
	}
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	svc := &stubWebhookService{
		processFunc: func(context.Context, []byte, string) (services.WebhookResult, error) {
			return services.WebhookResult{}, payments.ErrInvalidSignature
		},
	}
	h := NewWebhookHandlers(svc, nil)

	rr := serveWebhook(h, `{"id":"evt_1"}`, "t=1,v1=forged")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestWebhookRejectsEmptyBody(t *testing.T) {
	svc := &stubWebhookService{}
	h := NewWebhookHandlers(svc, nil)

	rr := serveWebhook(h, "", "t=1,v1=abc")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if svc.calls != 0 {
		t.Fatal("processor must not run for an empty payload")
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	svc := &stubWebhookService{}
	h := NewWebhookHandlers(svc, nil)

	rr := serveWebhook(h, strings.Repeat("a", maxWebhookBody+1), "t=1,v1=abc")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if svc.calls != 0 {
		t.Fatal("processor must not run for an oversized payload")
	}
}
