package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tradegate/backend/internal/core"
	"github.com/tradegate/backend/internal/gate"
	"github.com/tradegate/backend/internal/middleware"
)

// authorizeRequest is the POST /v1/authorize body.
type authorizeRequest struct {
	Order   core.Order `json:"order"`
	Context struct {
		ClientID string `json:"client_id"`
	} `json:"context"`
}

// HandleAuthorize runs the gate pipeline. The HTTP status is 200 for every
// decided request; the domain outcome is in the body's status field.
func HandleAuthorize(g *gate.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body authorizeRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "MALFORMED_BODY", err.Error())
			return
		}

		clientID := r.Header.Get("x-client-id")
		if clientID == "" {
			clientID = body.Context.ClientID
		}

		req := gate.Request{
			Order:           body.Order,
			TraceID:         middleware.TraceFromContext(r.Context()),
			ClientID:        clientID,
			Audience:        r.Header.Get("x-audience"),
			Currency:        r.Header.Get("x-currency"),
			PriceAssertedBy: r.Header.Get("x-price-asserted-by"),
		}
		if v := r.Header.Get("x-price-asserted-at"); v != "" {
			if ts, err := time.Parse(time.RFC3339, v); err == nil {
				req.PriceAssertedAt = &ts
			}
		}

		env := g.Authorize(r.Context(), req)
		writeJSON(w, http.StatusOK, env)
	}
}
