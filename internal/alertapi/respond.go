package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/lifeline/internal/triage"
)

// maxBodyBytes caps request bodies on top of the global MaxBody middleware.
const maxBodyBytes = 64 << 10

// retryAfterSeconds is advertised when the store is unavailable.
const retryAfterSeconds = "2"

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Status  string `json:"status,omitempty"`
	Version int64  `json:"version,omitempty"`
	Field   string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, body)
}

// errorResponse maps an engine error to an HTTP status and body.
func errorResponse(err error) (int, ErrorBody) {
	var (
		ve  *triage.ValidationError
		ce  *triage.ConflictError
		ite *triage.InvalidTransitionError
		vce *triage.VersionConflictError
		fe  *triage.ForbiddenError
		se  *triage.StorageError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, ErrorBody{Error: ve.Error(), Code: "validation", Field: ve.Field}
	case errors.As(err, &ce):
		return http.StatusConflict, ErrorBody{Error: ce.Error(), Code: "conflict", Status: string(ce.Current), Version: ce.Version}
	case errors.As(err, &ite):
		return http.StatusConflict, ErrorBody{Error: ite.Error(), Code: "invalid_transition", Status: string(ite.Current), Version: ite.Version}
	case errors.As(err, &vce):
		return http.StatusConflict, ErrorBody{Error: vce.Error(), Code: "version_conflict", Version: vce.Actual}
	case errors.As(err, &fe):
		return http.StatusForbidden, ErrorBody{Error: fe.Error(), Code: "forbidden"}
	case errors.Is(err, triage.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Error: "alert not found", Code: "not_found"}
	case errors.As(err, &se):
		return http.StatusServiceUnavailable, ErrorBody{Error: "storage unavailable", Code: "storage_unavailable"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: "internal error", Code: "internal"}
	}
}

func (a *API) fail(ctx context.Context, w http.ResponseWriter, err error, msg string, kv ...any) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error(ctx, err, msg, kv...)
	}
	writeError(w, status, body)
}

// decode reads a JSON body into dst and validates it. It writes the error
// response itself and reports whether the handler should continue.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorBody{Error: "malformed JSON body: " + err.Error(), Code: "bad_request"})
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) && len(fields) > 0 {
			f := fields[0]
			writeError(w, http.StatusUnprocessableEntity, ErrorBody{
				Error: "validation: " + f.Field() + ": failed " + f.Tag(),
				Code:  "validation",
				Field: f.Field(),
			})
			return false
		}
		writeError(w, http.StatusUnprocessableEntity, ErrorBody{Error: err.Error(), Code: "validation"})
		return false
	}
	return true
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
