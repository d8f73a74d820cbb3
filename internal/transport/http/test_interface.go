package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
)

type testActionRequest struct {
	Type       booking.TestActionType `json:"type"`
	ObjectType string                 `json:"objectType"`
	ObjectID   string                 `json:"objectId"`
}

func (h *handlers) testAction(w http.ResponseWriter, r *http.Request) {
	clientID, sellerID, err := caller(r)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	var req testActionRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Type == "" || req.ObjectID == "" {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "type and objectId are required")
		return
	}

	action := booking.TestAction{Type: req.Type, SellerID: sellerID}
	if req.Type.IsOrderAction() {
		// Order ids may be given as the full order URL.
		uuid := req.ObjectID[strings.LastIndex(req.ObjectID, "/")+1:]
		action.Order = domain.OrderIdentity{ClientID: clientID, OrderType: domain.OrderType(req.ObjectType), UUID: uuid}
	} else {
		action.OpportunityID = req.ObjectID
	}

	h.noContent(w, r, h.engine.TriggerTestAction(r.Context(), action))
}

func (h *handlers) createTestOpportunity(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	var opp domain.Opportunity
	if err := json.Unmarshal(body, &opp); err != nil {
		writeError(w, http.StatusBadRequest, domain.KindInvalidRequest, "invalid opportunity")
		return
	}

	created, err := h.engine.CreateTestOpportunity(r.Context(), chi.URLParam(r, "datasetID"), opp)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(created)
}

func (h *handlers) deleteTestDataset(w http.ResponseWriter, r *http.Request) {
	h.noContent(w, r, h.engine.DeleteTestDataset(r.Context(), chi.URLParam(r, "datasetID")))
}
