package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/alertapi"
	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/triage"
	"github.com/linnemanlabs/lifeline/internal/triage/memstore"
)

func newServer(t *testing.T) (*httptest.Server, *triage.Engine) {
	t.Helper()
	engine := triage.NewEngine(memstore.New(), nil, log.Nop(), triage.EngineConfig{
		Supervisors: []string{"sup-1"},
	}, triage.EngineHooks{})
	r := chi.NewRouter()
	alertapi.New(log.Nop(), engine, alertapi.WithAuth(authmw.Authenticate(authmw.Tokens{
		authmw.RoleResponder: "resp-token",
		authmw.RoleDetector:  "det-token",
	}))).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, engine
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL, "--token", "resp-token"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seed(t *testing.T, engine *triage.Engine, subject string, sev triage.Severity) string {
	t.Helper()
	ref, err := engine.Ingest(context.Background(), triage.RiskSignal{
		SubjectRef: subject,
		Severity:   sev,
		Excerpt:    "nobody would notice",
		SourceID:   "src-" + subject,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return ref.ID
}

func TestCLI_Lifecycle(t *testing.T) {
	t.Parallel()

	srv, engine := newServer(t)
	id := seed(t, engine, "u1", triage.SeverityHigh)

	steps := [][]string{
		{"claim", id, "--as", "r1"},
		{"ack", id, "--as", "r1"},
		{"resolve", id, "--as", "r1", "--note", "safe now"},
		{"close", id, "--as", "reviewer"},
	}
	wantStatus := []string{"assigned", "in_progress", "resolved", "closed"}
	for i, args := range steps {
		out, err := run(t, srv, args...)
		if err != nil {
			t.Fatalf("%v: %v", args, err)
		}
		if !strings.Contains(out, id+" "+wantStatus[i]) {
			t.Errorf("%v output = %q, want status %s", args, out, wantStatus[i])
		}
	}

	out, err := run(t, srv, "audit", id)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "chain: verified") {
		t.Errorf("audit output missing verification:\n%s", out)
	}
	for _, trig := range []string{"signal", "claim", "acknowledge", "resolve", "close"} {
		if !strings.Contains(out, trig) {
			t.Errorf("audit output missing trigger %s", trig)
		}
	}
}

func TestCLI_ListAndGet(t *testing.T) {
	t.Parallel()

	srv, engine := newServer(t)
	low := seed(t, engine, "u1", triage.SeverityLow)
	crit := seed(t, engine, "u2", triage.SeverityCritical)

	out, err := run(t, srv, "list", "--min-severity", "high")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, crit) || strings.Contains(out, low) {
		t.Errorf("list output = %q, want only the critical alert", out)
	}
	if !strings.HasPrefix(out, "ID") {
		t.Errorf("list output missing header: %q", out)
	}

	out, err = run(t, srv, "--json", "list", "--status", "new")
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	var alerts []triage.Alert
	if err := json.Unmarshal([]byte(out), &alerts); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if len(alerts) != 2 {
		t.Errorf("json list = %d alerts, want 2", len(alerts))
	}

	out, err = run(t, srv, "get", low)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !strings.Contains(out, "Subject:") || !strings.Contains(out, "u1") {
		t.Errorf("get output = %q", out)
	}
}

func TestCLI_Errors(t *testing.T) {
	t.Parallel()

	srv, engine := newServer(t)
	id := seed(t, engine, "u1", triage.SeverityMedium)

	if _, err := run(t, srv, "claim", id, "--as", "r1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err := run(t, srv, "claim", id, "--as", "r2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != 409 || apiErr.Body.Code != "conflict" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "assigned") {
		t.Errorf("error text = %q, want current status", apiErr.Error())
	}

	if _, err := run(t, srv, "override", id, "critical", "--as", "r1", "--reason", "x"); err == nil {
		t.Error("override by non-supervisor succeeded")
	}
	if _, err := run(t, srv, "override", id, "extreme", "--as", "sup-1", "--reason", "x"); err == nil {
		t.Error("override accepted an unknown severity")
	}
	out, err := run(t, srv, "override", id, "critical", "--as", "sup-1", "--reason", "clinical review")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if !strings.Contains(out, "severity=critical") {
		t.Errorf("override output = %q", out)
	}

	if _, err := run(t, srv, "resolve", id, "--as", "r1"); err == nil {
		t.Error("resolve without --note succeeded")
	}
	if _, err := run(t, srv, "get", "missing"); err == nil {
		t.Error("get missing alert succeeded")
	}
}

func TestCLI_BadToken(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--server", srv.URL, "--token", "det-token", "list"})

	err := cmd.ExecuteContext(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 403 {
		t.Errorf("err = %v, want 403 for a detector token", err)
	}
}
