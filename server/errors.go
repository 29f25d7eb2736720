package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gpufleet/gpufleet/core"
)

// errorBody is the wire form of the error envelope.
type errorBody struct {
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	Timestamp        time.Time              `json:"timestamp"`
	RequestID        string                 `json:"requestId,omitempty"`
	CorrelationID    string                 `json:"correlationId,omitempty"`
	Details          map[string]interface{} `json:"details,omitempty"`
	ValidationErrors []fieldError           `json:"validationErrors,omitempty"`
	Retryable        *bool                  `json:"retryable,omitempty"`
	RetryAfter       int64                  `json:"retryAfter,omitempty"` // seconds
}

type fieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError renders err as the error envelope. ControlErrors drive the
// status code; anything else is a 500.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{
		Code:          string(core.KindInternal),
		Message:       "Internal server error",
		Timestamp:     time.Now().UTC(),
		RequestID:     core.RequestIDFrom(r.Context()),
		CorrelationID: core.CorrelationIDFrom(r.Context()),
	}
	status := http.StatusInternalServerError

	var ce *core.ControlError
	if errors.As(err, &ce) {
		status = ce.HTTPStatus()
		body.Code = string(ce.Kind)
		body.Message = ce.Error()
		if ce.Message != "" {
			body.Message = ce.Message
		}
		body.Details = ce.Details
		retryable := ce.Retryable
		body.Retryable = &retryable
		if ce.Kind == core.KindRateLimit && ce.RetryAfter > 0 {
			secs := int64(ce.RetryAfter / time.Second)
			if secs < 1 {
				secs = 1
			}
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
	} else if err != nil && !s.deps.Production {
		body.Message = err.Error()
	}

	// Production mode never leaks internal detail on 5xx.
	if s.deps.Production && status >= 500 {
		body.Message = "Internal server error"
		body.Details = nil
	}

	if status >= 500 {
		s.logger.ErrorWithContext(r.Context(), "Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
			"error":  err.Error(),
		})
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// writeValidationError renders validator.ValidationErrors with per-field
// detail.
func (s *Server) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		s.writeError(w, r, core.NewValidationError(err.Error(), nil))
		return
	}
	fields := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fe.Error(),
		})
	}
	retryable := false
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error": errorBody{
			Code:             string(core.KindValidation),
			Message:          "Request validation failed",
			Timestamp:        time.Now().UTC(),
			RequestID:        core.RequestIDFrom(r.Context()),
			CorrelationID:    core.CorrelationIDFrom(r.Context()),
			ValidationErrors: fields,
			Retryable:        &retryable,
		},
	})
}

// decodeBody parses a JSON request body. An empty body decodes into the
// zero value when allowEmpty is set.
func decodeBody(r *http.Request, dst interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return core.NewValidationError("invalid JSON body: "+err.Error(), nil)
	}
	return nil
}
