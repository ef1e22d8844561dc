package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/lifeline/internal/authmw"
	"github.com/linnemanlabs/lifeline/internal/triage"
	"github.com/linnemanlabs/lifeline/internal/triage/memstore"
)

func newTestRouter(t *testing.T, opts ...Option) chi.Router {
	t.Helper()
	engine := triage.NewEngine(memstore.New(), nil, log.Nop(), triage.EngineConfig{
		Supervisors: []string{"sup-1"},
	}, triage.EngineHooks{})
	r := chi.NewRouter()
	New(nil, engine, opts...).RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInto[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func ingest(t *testing.T, h http.Handler, subject, severity, source string) triage.AlertRef {
	t.Helper()
	body := `{"subject_ref":"` + subject + `","severity":"` + severity + `","excerpt":"nobody would notice","source_id":"` + source + `"}`
	rec := do(t, h, http.MethodPost, "/api/v1/signals", body)
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("POST /signals = %d: %s", rec.Code, rec.Body.String())
	}
	return decodeInto[triage.AlertRef](t, rec)
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, triage.NewEngine(memstore.New(), nil, nil, triage.EngineConfig{}, triage.EngineHooks{}))
	if api.logger == nil {
		t.Fatal("New(nil, engine) left logger nil; expected Nop logger")
	}
}

func TestNew_NilEngine_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil engine")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/api/v1/signals", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/alerts", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/alerts/x/claim", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/alerts/x", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/alerts/missing", http.StatusNotFound},
		{http.MethodGet, "/api/v1/alerts/missing/audit", http.StatusNotFound},
		{http.MethodGet, "/api/v2/alerts", http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			if rec := do(t, r, tt.method, tt.path, ""); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

// Signals

func TestIngestSignal_Outcomes(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	body := `{"subject_ref":"u1","severity":"high","excerpt":"e","source_id":"s1"}`

	rec := do(t, r, http.MethodPost, "/api/v1/signals", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first signal = %d, want 201", rec.Code)
	}
	created := decodeInto[triage.AlertRef](t, rec)
	if created.Outcome != triage.IngestCreated || created.ID == "" {
		t.Errorf("ref = %+v", created)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/signals", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed signal = %d, want 200", rec.Code)
	}
	if ref := decodeInto[triage.AlertRef](t, rec); ref.Outcome != triage.IngestReplayed || ref.ID != created.ID {
		t.Errorf("replay ref = %+v", ref)
	}

	rec = do(t, r, http.MethodPost, "/api/v1/signals", `{"subject_ref":"u1","severity":"critical","source_id":"s2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update signal = %d, want 200", rec.Code)
	}
	if ref := decodeInto[triage.AlertRef](t, rec); ref.Outcome != triage.IngestUpdated {
		t.Errorf("update ref = %+v", ref)
	}
}

func TestIngestSignal_BadInput(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	tests := []struct {
		name      string
		body      string
		wantCode  int
		wantField string
	}{
		{"malformed json", `{bad`, http.StatusBadRequest, ""},
		{"unknown field", `{"subject_ref":"u1","severity":"low","extra":1}`, http.StatusBadRequest, ""},
		{"missing subject", `{"severity":"low"}`, http.StatusUnprocessableEntity, "subject_ref"},
		{"bad severity", `{"subject_ref":"u1","severity":"extreme"}`, http.StatusUnprocessableEntity, "severity"},
		{"blank subject", `{"subject_ref":"   ","severity":"low"}`, http.StatusUnprocessableEntity, "subject_ref"},
		{"long excerpt", `{"subject_ref":"u1","severity":"low","excerpt":"` + strings.Repeat("x", 2001) + `"}`, http.StatusUnprocessableEntity, "excerpt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(t, r, http.MethodPost, "/api/v1/signals", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			body := decodeInto[ErrorBody](t, rec)
			if body.Field != tt.wantField {
				t.Errorf("field = %q, want %q", body.Field, tt.wantField)
			}
		})
	}
}

// Commands

func TestCommands_Lifecycle(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	ref := ingest(t, r, "u1", "high", "s1")
	base := "/api/v1/alerts/" + ref.ID

	steps := []struct {
		path       string
		body       string
		wantStatus triage.Status
	}{
		{"/claim", `{"responder_id":"r1"}`, triage.StatusAssigned},
		{"/acknowledge", `{"responder_id":"r1"}`, triage.StatusInProgress},
		{"/resolve", `{"responder_id":"r1","note":"safe"}`, triage.StatusResolved},
		{"/close", `{"responder_id":"reviewer","note":"reviewed"}`, triage.StatusClosed},
	}
	for _, s := range steps {
		rec := do(t, r, http.MethodPost, base+s.path, s.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %s = %d: %s", s.path, rec.Code, rec.Body.String())
		}
		if al := decodeInto[triage.Alert](t, rec); al.Status != s.wantStatus {
			t.Fatalf("after %s status = %s, want %s", s.path, al.Status, s.wantStatus)
		}
	}

	rec := do(t, r, http.MethodGet, base+"/audit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET audit = %d", rec.Code)
	}
	audit := decodeInto[AuditResponse](t, rec)
	if !audit.Verified {
		t.Errorf("audit not verified: %s", audit.VerifyError)
	}
	if len(audit.Entries) != 5 {
		t.Errorf("audit entries = %d, want 5", len(audit.Entries))
	}
}

func TestCommands_ErrorMapping(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	ref := ingest(t, r, "u1", "medium", "s1")
	base := "/api/v1/alerts/" + ref.ID

	if rec := do(t, r, http.MethodPost, base+"/claim", `{"responder_id":"r1"}`); rec.Code != http.StatusOK {
		t.Fatalf("claim = %d", rec.Code)
	}

	tests := []struct {
		name     string
		path     string
		body     string
		status   int
		wantCode string
	}{
		{"claim held", "/claim", `{"responder_id":"r2"}`, http.StatusConflict, "conflict"},
		{"ack by other", "/acknowledge", `{"responder_id":"r2"}`, http.StatusConflict, "invalid_transition"},
		{"close open", "/close", `{"responder_id":"rev"}`, http.StatusConflict, "invalid_transition"},
		{"override by responder", "/override-severity", `{"supervisor_id":"r1","level":"critical","reason":"x"}`, http.StatusForbidden, "forbidden"},
		{"override without reason", "/override-severity", `{"supervisor_id":"sup-1","level":"critical"}`, http.StatusUnprocessableEntity, "validation"},
		{"missing actor", "/claim", `{}`, http.StatusUnprocessableEntity, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, base+tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			body := decodeInto[ErrorBody](t, rec)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if tt.status == http.StatusConflict && (body.Status != string(triage.StatusAssigned) || body.Version == 0) {
				t.Errorf("conflict body = %+v, want current status and version", body)
			}
		})
	}

	rec := do(t, r, http.MethodPost, base+"/override-severity", `{"supervisor_id":"sup-1","level":"critical","reason":"clinical review"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("supervisor override = %d: %s", rec.Code, rec.Body.String())
	}
	if al := decodeInto[triage.Alert](t, rec); al.Severity != triage.SeverityCritical {
		t.Errorf("severity = %s, want critical", al.Severity)
	}

	if rec := do(t, r, http.MethodPost, "/api/v1/alerts/nope/claim", `{"responder_id":"r1"}`); rec.Code != http.StatusNotFound {
		t.Errorf("claim missing = %d, want 404", rec.Code)
	}
}

// Queries

func TestListAlerts_Filters(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	low := ingest(t, r, "u1", "low", "a")
	high := ingest(t, r, "u2", "high", "b")
	crit := ingest(t, r, "u3", "critical", "c")
	if rec := do(t, r, http.MethodPost, "/api/v1/alerts/"+crit.ID+"/claim", `{"responder_id":"r1"}`); rec.Code != http.StatusOK {
		t.Fatalf("claim = %d", rec.Code)
	}

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{crit.ID, low.ID, high.ID}},
		{"?minSeverity=high", []string{crit.ID, high.ID}},
		{"?status=new", []string{low.ID, high.ID}},
		{"?status=new,assigned&minSeverity=critical", []string{crit.ID}},
		{"?status=new&status=assigned&limit=1", []string{crit.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := do(t, r, http.MethodGet, "/api/v1/alerts"+tt.query, "")
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			resp := decodeInto[ListResponse](t, rec)
			got := make(map[string]bool, len(resp.Alerts))
			for _, a := range resp.Alerts {
				got[a.ID] = true
			}
			if len(resp.Alerts) != len(tt.want) {
				t.Fatalf("got %d alerts, want %d", len(resp.Alerts), len(tt.want))
			}
			for _, id := range tt.want {
				if !got[id] {
					t.Errorf("missing alert %s", id)
				}
			}
		})
	}

	// armed alerts sort first
	rec := do(t, r, http.MethodGet, "/api/v1/alerts", "")
	if resp := decodeInto[ListResponse](t, rec); resp.Alerts[0].ID != crit.ID {
		t.Errorf("first alert = %s, want the armed one", resp.Alerts[0].ID)
	}

	for _, bad := range []string{"?status=bogus", "?minSeverity=extreme", "?limit=-1"} {
		if rec := do(t, r, http.MethodGet, "/api/v1/alerts"+bad, ""); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("GET %s = %d, want 422", bad, rec.Code)
		}
	}
}

func TestGetAlert(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	ref := ingest(t, r, "u1", "medium", "s1")

	rec := do(t, r, http.MethodGet, "/api/v1/alerts/"+ref.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	al := decodeInto[triage.Alert](t, rec)
	if al.SubjectRef != "u1" || al.Status != triage.StatusNew || al.Severity != triage.SeverityMedium {
		t.Errorf("alert = %+v", al)
	}
}

// Storage failures

type brokenEngine struct {
	TriageEngine
}

func (brokenEngine) Get(context.Context, string) (*triage.Alert, bool, error) {
	return nil, false, triage.NewStorageError("get", errors.New("connection refused"))
}

func TestStorageError_RetryAfter(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	New(log.Nop(), brokenEngine{}).RegisterRoutes(r)

	rec := do(t, r, http.MethodGet, "/api/v1/alerts/abc", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if body := decodeInto[ErrorBody](t, rec); strings.Contains(body.Error, "connection refused") {
		t.Errorf("error body leaks storage detail: %q", body.Error)
	}
}

// Auth

func TestAuth_Roles(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, WithAuth(authmw.Authenticate(authmw.Tokens{
		authmw.RoleDetector:  "det",
		authmw.RoleResponder: "resp",
	})))

	send := func(method, path, token, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	signal := `{"subject_ref":"u1","severity":"low"}`
	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   string
		want   int
	}{
		{"no token", http.MethodGet, "/api/v1/alerts", "", "", http.StatusUnauthorized},
		{"detector reads", http.MethodGet, "/api/v1/alerts", "det", "", http.StatusForbidden},
		{"responder reads", http.MethodGet, "/api/v1/alerts", "resp", "", http.StatusOK},
		{"responder pushes", http.MethodPost, "/api/v1/signals", "resp", signal, http.StatusForbidden},
		{"detector pushes", http.MethodPost, "/api/v1/signals", "det", signal, http.StatusCreated},
	}
	for _, tt := range tests {
		if got := send(tt.method, tt.path, tt.token, tt.body); got != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestErrorResponse_Unknown(t *testing.T) {
	t.Parallel()

	status, body := errorResponse(errors.New("boom"))
	if status != http.StatusInternalServerError || body.Code != "internal" {
		t.Errorf("errorResponse = %d %+v", status, body)
	}
}
