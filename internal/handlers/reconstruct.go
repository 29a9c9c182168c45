package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tradegate/backend/internal/reconstruct"
)

func reconstructError(w http.ResponseWriter, err error) {
	var notFound *reconstruct.NotFoundError
	var broken *reconstruct.ChainBrokenError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "TRACE_NOT_FOUND", err.Error())
	case errors.As(err, &broken):
		// Fail closed: a broken chain is an error response, never a
		// best-effort bundle.
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     "CHAIN_BROKEN",
			"trace_id":  broken.TraceID,
			"broken_at": broken.BrokenAt,
			"reason":    broken.Reason,
		})
	default:
		writeError(w, http.StatusInternalServerError, "RECONSTRUCTION_FAILED", err.Error())
	}
}

// HandleTraceBundle serves GET /v1/trace/{id} and /v1/trace/{id}/bundle.
func HandleTraceBundle(rec *reconstruct.Reconstructor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bundle, err := rec.TraceBundle(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			reconstructError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	}
}

// HandleEvidencePack serves GET /v1/trace/{id}/evidence-pack. An
// inconsistent pack is returned with 200 but valid=false.
func HandleEvidencePack(rec *reconstruct.Reconstructor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pack, err := rec.EvidencePack(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			reconstructError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pack)
	}
}

// HandleReplayVerify serves GET /v1/trace/{id}/replay. A failed replay is
// 200 with valid=false; only a missing trace is an error.
func HandleReplayVerify(rec *reconstruct.Reconstructor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := rec.ReplayVerify(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			reconstructError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// HandleLPTimeline serves GET /v1/lp-timeline/{id}.
func HandleLPTimeline(rec *reconstruct.Reconstructor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tl, err := rec.LPTimeline(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			reconstructError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tl)
	}
}
