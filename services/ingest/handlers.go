package ingest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

func (a *API) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	log := a.logger.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()

	id, err := reportID(r)
	if err != nil {
		a.refuse(w, &ValidationError{Field: "report_id", Violation: WrongType, Expected: "a UUID"})
		return
	}
	w.Header().Set(reportIDHeader, id)

	body, err := readBody(w, r, a.config.MaxBodyBytes)
	switch {
	case errors.Is(err, errUnsupportedEncoding):
		a.observer.ReportInvalid(ValidationEvent{Violation: UnsupportedEncoding, Err: err})
		respondError(w, http.StatusUnsupportedMediaType, "unsupported_encoding")
		return
	case errors.Is(err, errTooLarge):
		a.observer.ReportInvalid(ValidationEvent{Violation: TooLarge, Err: err})
		respondError(w, http.StatusRequestEntityTooLarge, "too_large")
		return
	case err != nil:
		a.observer.ReportInvalid(ValidationEvent{Violation: Malformed, Err: err})
		respondError(w, http.StatusBadRequest, "malformed")
		return
	}

	report, err := Validate(body)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			a.refuse(w, verr)
			return
		}
		a.observer.ReportInvalid(ValidationEvent{Violation: Malformed, Err: err})
		respondError(w, http.StatusBadRequest, "malformed")
		return
	}
	report.ID = id

	o := a.publisher.Publish(r.Context(), report)
	switch o.Kind {
	case Delivered:
		resp := map[string]any{"status": "delivered", "id": o.ID}
		if o.Duplicate {
			// The broker kept the first body stored under this id.
			log.Warn().Str("report_id", id).Uint64("sequence", o.Sequence).Msg("duplicate report id, body discarded")
			resp["duplicate"] = true
		}
		respondJSON(w, http.StatusOK, resp)
	case Rejected:
		respondError(w, http.StatusBadGateway, "rejected")
	case Failed:
		switch {
		case errors.Is(o.Err, ErrEncode):
			log.Error().Err(o.Err).Str("report_id", id).Msg("encode report")
			respondError(w, http.StatusInternalServerError, "internal")
		case errors.Is(o.Err, ErrTimeout):
			setRetryAfter(w, a.config.RetryAfter)
			respondError(w, http.StatusServiceUnavailable, "timeout")
		default:
			setRetryAfter(w, a.config.RetryAfter)
			respondError(w, http.StatusServiceUnavailable, "unavailable")
		}
	default:
		log.Error().Str("report_id", id).Stringer("outcome", o.Kind).Msg("unexpected publish outcome")
		respondError(w, http.StatusInternalServerError, "internal")
	}
}

func (a *API) refuse(w http.ResponseWriter, verr *ValidationError) {
	a.observer.ReportInvalid(ValidationEvent{Field: verr.Field, Violation: verr.Violation, Err: verr})
	respondJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation",
		"field":  verr.Field,
		"reason": verr.Error(),
	})
}

// reportID returns the agent-supplied report id, or a fresh one. Agents that
// resend the same id on retry get broker-side deduplication.
func reportID(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.Header.Get(reportIDHeader))
	if raw == "" {
		return uuid.NewString(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
