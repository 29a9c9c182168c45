package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/tradegate/backend/internal/lifecycle"
	"github.com/tradegate/backend/internal/shadowledger"
)

// HandleRejectionCounts serves GET /v1/rejections: the normalized rejection
// read model by reason class.
func HandleRejectionCounts(store *lifecycle.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"taxonomy_version": lifecycle.TaxonomyVersion,
			"counts":           store.RejectionCounts(),
		})
	}
}

// HandleLifecycleIngress accepts lifecycle event envelopes. One handler
// serves all four ingress routes; the envelope's event type and payload
// determine the idempotency key family.
func HandleLifecycleIngress(ing *lifecycle.Ingestor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY", err.Error())
			return
		}

		env, err := lifecycle.ParseEnvelope(raw)
		if err != nil {
			var verr *lifecycle.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, "INVALID_ENVELOPE", verr.Detail)
				return
			}
			writeError(w, http.StatusBadRequest, "INVALID_ENVELOPE", err.Error())
			return
		}

		res, err := ing.Ingest(r.Context(), env)
		switch {
		case errors.Is(err, lifecycle.ErrPayloadMismatch):
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":            "payload_mismatch",
				"event_id":         env.EventID,
				"payload_mismatch": true,
			})
			return
		case errors.Is(err, lifecycle.ErrInFlight):
			writeError(w, http.StatusConflict, "IN_FLIGHT", "event is being processed")
			return
		case errors.Is(err, lifecycle.ErrPriorFailure):
			writeError(w, http.StatusConflict, "PRIOR_ATTEMPT_FAILED", err.Error())
			return
		case errors.Is(err, shadowledger.ErrStateConflict):
			writeError(w, http.StatusConflict, "STATE_CONFLICT", err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "INGEST_FAILED", err.Error())
			return
		}

		status := http.StatusAccepted
		if res.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, res)
	}
}
