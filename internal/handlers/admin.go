package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tradegate/backend/internal/circuitbreaker"
	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/override"
	"github.com/tradegate/backend/internal/policy"
	"github.com/tradegate/backend/internal/shadowledger"
)

type overrideRequest struct {
	Operator      string `json:"operator"`
	Justification string `json:"justification"`
}

func overrideStatus(err error) (int, string) {
	switch {
	case errors.Is(err, override.ErrDualControlViolation):
		return http.StatusForbidden, "DUAL_CONTROL_VIOLATION"
	case errors.Is(err, override.ErrAlreadyPending):
		return http.StatusConflict, "OVERRIDE_ALREADY_PENDING"
	case errors.Is(err, override.ErrAlreadyResolved):
		return http.StatusConflict, "OVERRIDE_ALREADY_RESOLVED"
	case errors.Is(err, override.ErrNotPending):
		return http.StatusNotFound, "OVERRIDE_NOT_PENDING"
	case errors.Is(err, override.ErrStrictDualControl):
		return http.StatusForbidden, "SINGLE_OPERATOR_DISABLED"
	default:
		return http.StatusInternalServerError, "OVERRIDE_FAILED"
	}
}

// HandleOverride serves POST /v1/override/{id}/{action} where action is
// request, approve, reject, or apply (legacy single-operator).
func HandleOverride(m *override.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		traceID := vars["id"]

		var body overrideRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY", err.Error())
			return
		}
		if body.Operator == "" {
			writeError(w, http.StatusBadRequest, "OPERATOR_REQUIRED", "operator field is required")
			return
		}

		var rec *override.Record
		var err error
		switch vars["action"] {
		case "request":
			rec, err = m.Request(r.Context(), traceID, body.Operator, body.Justification)
		case "approve":
			rec, err = m.Approve(r.Context(), traceID, body.Operator)
		case "reject":
			rec, err = m.Reject(r.Context(), traceID, body.Operator)
		case "apply":
			rec, err = m.ApplySingleOperator(r.Context(), traceID, body.Operator, body.Justification)
		default:
			writeError(w, http.StatusNotFound, "UNKNOWN_ACTION", vars["action"])
			return
		}
		if err != nil {
			status, code := overrideStatus(err)
			writeError(w, status, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

// HandleSetLimits serves PUT /v1/limits/{client_id}.
func HandleSetLimits(ledger *shadowledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["client_id"]
		var limits core.ClientLimits
		if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY", err.Error())
			return
		}
		ledger.SetLimits(clientID, limits)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"client_id": clientID,
			"limits":    limits,
		})
	}
}

// HandleGetLimits serves GET /v1/limits/{client_id}.
func HandleGetLimits(ledger *shadowledger.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clientID := mux.Vars(r)["client_id"]
		limits, ok := ledger.GetLimits(clientID)
		if !ok {
			writeError(w, http.StatusNotFound, "NO_LIMITS", "no limits configured for client")
			return
		}
		gross, net, pending := ledger.Totals(clientID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"client_id":     clientID,
			"limits":        limits,
			"current_gross": gross,
			"current_net":   net,
			"pending":       pending,
		})
	}
}

// HandlePolicyReload serves POST /v1/policy/reload. The previous bundle
// stays active when the new one fails to parse.
func HandlePolicyReload(eval *policy.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := eval.Reload(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "RELOAD_FAILED", err.Error())
			return
		}
		b := eval.Bundle()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"policy_version":       b.Version,
			"policy_snapshot_hash": b.TokenHash(),
			"rules":                len(b.Rules),
		})
	}
}

// HandleHealth serves GET /health with breaker states.
func HandleHealth(breakers *circuitbreaker.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := map[string]string{}
		degraded := false
		for name, st := range breakers.States() {
			states[name] = st.String()
			if st != circuitbreaker.StateClosed {
				degraded = true
			}
		}
		status := "ok"
		code := http.StatusOK
		if degraded {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status":   status,
			"breakers": states,
		})
	}
}
