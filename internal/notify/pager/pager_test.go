package pager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/notify"
	"github.com/linnemanlabs/lifeline/internal/triage"
)

func req() *triage.NotificationRequest {
	return &triage.NotificationRequest{
		AlertID:  "01JN",
		Severity: triage.SeverityCritical,
		Audience: triage.AudienceOnCall,
		Excerpt:  strings.Repeat("x", 400),
	}
}

func TestNotify_PostsPayload(t *testing.T) {
	t.Parallel()

	var (
		got     Payload
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(srv.URL, "s3cret", notify.ChannelPhone, log.Nop())
	n.now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.FixedZone("x", 3600)) }

	if out := n.Notify(context.Background(), req()); !out.Delivered {
		t.Fatalf("outcome = %+v, want delivered", out)
	}

	if got.Medium != "phone" || got.Severity != "critical" || got.Audience != "on_call" {
		t.Errorf("payload = %+v", got)
	}
	if len(got.Excerpt) != maxExcerptLen {
		t.Errorf("excerpt length = %d, want %d", len(got.Excerpt), maxExcerptLen)
	}
	if got.SentAt != "2026-03-01T07:00:00Z" {
		t.Errorf("sent_at = %q, want UTC", got.SentAt)
	}
	if headers.Get("Authorization") != "Bearer s3cret" {
		t.Errorf("authorization = %q", headers.Get("Authorization"))
	}
	if headers.Get("Idempotency-Key") != IdempotencyKey(req(), notify.ChannelPhone) {
		t.Errorf("idempotency key = %q", headers.Get("Idempotency-Key"))
	}
}

func TestNotify_NoTokenNoAuthHeader(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected authorization header")
		}
	}))
	defer srv.Close()

	if out := New(srv.URL, "", notify.ChannelSMS, nil).Notify(context.Background(), req()); !out.Delivered {
		t.Errorf("outcome = %+v", out)
	}
}

func TestNotify_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"unavailable", http.StatusServiceUnavailable, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"timeout", http.StatusRequestTimeout, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"unprocessable", http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out := New(srv.URL, "", notify.ChannelSMS, log.Nop()).Notify(context.Background(), req())
			if out.Delivered || out.Retryable != tt.retryable {
				t.Errorf("outcome = %+v, want retryable=%v", out, tt.retryable)
			}
		})
	}
}

func TestNotify_NoURL(t *testing.T) {
	t.Parallel()

	out := New("", "", notify.ChannelSMS, log.Nop()).Notify(context.Background(), req())
	if out.Delivered || out.Retryable {
		t.Errorf("outcome = %+v, want permanent failure", out)
	}
}

func TestIdempotencyKey_DiffersByMedium(t *testing.T) {
	t.Parallel()

	if IdempotencyKey(req(), notify.ChannelSMS) == IdempotencyKey(req(), notify.ChannelPhone) {
		t.Error("sms and phone share an idempotency key")
	}
}
