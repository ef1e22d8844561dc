package alertapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

type signalRequest struct {
	SubjectRef string     `json:"subject_ref" validate:"required,max=128"`
	Severity   string     `json:"severity" validate:"required,oneof=low medium high critical"`
	Excerpt    string     `json:"excerpt" validate:"max=2000"`
	Message    string     `json:"message" validate:"max=2000"`
	SourceID   string     `json:"source_id" validate:"max=128"`
	DetectedAt *time.Time `json:"detected_at"`
}

type responderRequest struct {
	ResponderID string `json:"responder_id" validate:"required,max=128"`
}

// noteRequest serves resolve and close; for close the responder is the reviewer.
type noteRequest struct {
	ResponderID string `json:"responder_id" validate:"required,max=128"`
	Note        string `json:"note" validate:"max=4000"`
}

type overrideRequest struct {
	SupervisorID string `json:"supervisor_id" validate:"required,max=128"`
	Level        string `json:"level" validate:"required,oneof=low medium high critical"`
	Reason       string `json:"reason" validate:"required,max=4000"`
}

// AuditResponse is the body of GET /alerts/{id}/audit.
type AuditResponse struct {
	Entries     []triage.AuditEntry `json:"entries"`
	Verified    bool                `json:"verified"`
	VerifyError string              `json:"verify_error,omitempty"`
}

// ListResponse is the body of GET /alerts.
type ListResponse struct {
	Alerts []*triage.Alert `json:"alerts"`
}

func (a *API) handleIngestSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !a.decode(w, r, &req) {
		return
	}
	sev, err := triage.ParseSeverity(req.Severity)
	if err != nil {
		a.fail(r.Context(), w, err, "parse severity")
		return
	}
	sig := triage.RiskSignal{
		SubjectRef: req.SubjectRef,
		Severity:   sev,
		Excerpt:    req.Excerpt,
		Message:    req.Message,
		SourceID:   req.SourceID,
	}
	if req.DetectedAt != nil {
		sig.DetectedAt = req.DetectedAt.UTC()
	}

	ref, err := a.engine.Ingest(r.Context(), sig)
	if err != nil {
		a.fail(r.Context(), w, err, "failed to ingest signal", "source_id", req.SourceID)
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("lifeline.alert.id", ref.ID),
		attribute.String("lifeline.ingest.outcome", string(ref.Outcome)),
	)

	status := http.StatusOK
	if ref.Outcome == triage.IngestCreated {
		status = http.StatusCreated
	}
	writeJSON(w, status, ref)
}

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		a.fail(r.Context(), w, err, "parse filter")
		return
	}
	alerts, err := a.engine.List(r.Context(), f)
	if err != nil {
		a.fail(r.Context(), w, err, "failed to list alerts")
		return
	}
	if alerts == nil {
		alerts = []*triage.Alert{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Alerts: alerts})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := alertID(r)
	al, ok, err := a.engine.Get(r.Context(), id)
	if err != nil {
		a.fail(r.Context(), w, err, "failed to get alert", "alert_id", id)
		return
	}
	if !ok {
		a.fail(r.Context(), w, triage.ErrNotFound, "get alert")
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("lifeline.status", string(al.Status)))
	writeJSON(w, http.StatusOK, al)
}

func (a *API) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := alertID(r)
	entries, err := a.engine.Audit(r.Context(), id)
	if err != nil {
		a.fail(r.Context(), w, err, "failed to read audit", "alert_id", id)
		return
	}
	resp := AuditResponse{Entries: entries, Verified: true}
	if resp.Entries == nil {
		resp.Entries = []triage.AuditEntry{}
	}
	if verr := triage.VerifyChain(entries); verr != nil {
		a.logger.Warn(r.Context(), "audit chain failed verification", "alert_id", id, "err", verr.Error())
		resp.Verified = false
		resp.VerifyError = verr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondAlert(w, r, "claim")(a.engine.Claim(r.Context(), alertID(r), req.ResponderID))
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req responderRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondAlert(w, r, "acknowledge")(a.engine.Acknowledge(r.Context(), alertID(r), req.ResponderID))
}

func (a *API) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondAlert(w, r, "resolve")(a.engine.Resolve(r.Context(), alertID(r), req.ResponderID, req.Note))
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.respondAlert(w, r, "close")(a.engine.Close(r.Context(), alertID(r), req.ResponderID, req.Note))
}

func (a *API) handleOverrideSeverity(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if !a.decode(w, r, &req) {
		return
	}
	level, err := triage.ParseSeverity(req.Level)
	if err != nil {
		a.fail(r.Context(), w, err, "parse level")
		return
	}
	a.respondAlert(w, r, "override severity")(a.engine.OverrideSeverity(r.Context(), alertID(r), req.SupervisorID, level, req.Reason))
}

// respondAlert writes the post-transition alert or the mapped error.
func (a *API) respondAlert(w http.ResponseWriter, r *http.Request, op string) func(*triage.Alert, error) {
	return func(al *triage.Alert, err error) {
		if err != nil {
			a.fail(r.Context(), w, err, "failed to "+op, "alert_id", alertID(r))
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(
			attribute.String("lifeline.status", string(al.Status)),
			attribute.Int64("lifeline.alert.version", al.Version),
		)
		writeJSON(w, http.StatusOK, al)
	}
}

func alertID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// parseFilter reads ?status= (repeatable or comma separated), ?minSeverity= and ?limit=.
func parseFilter(r *http.Request) (triage.Filter, error) {
	q := r.URL.Query()
	var f triage.Filter
	for _, raw := range q["status"] {
		for _, s := range strings.Split(raw, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			st, err := triage.ParseStatus(s)
			if err != nil {
				return f, err
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if v := q.Get("minSeverity"); v != "" {
		sev, err := triage.ParseSeverity(v)
		if err != nil {
			return f, err
		}
		f.MinSeverity = sev
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &triage.ValidationError{Field: "limit", Msg: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}
