package http

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cimillas/bookingflow/internal/booking"
	"github.com/cimillas/bookingflow/internal/domain"
)

const (
	maxBodyBytes = 1 << 20
	contentType  = "application/vnd.openactive.booking+json; version=1"

	headerClientID = "X-Client-Id"
	headerSellerID = "X-Seller-Id"
)

// caller returns the identities set by the upstream auth layer.
func caller(r *http.Request) (clientID, sellerID string, err error) {
	clientID = r.Header.Get(headerClientID)
	sellerID = r.Header.Get(headerSellerID)
	if clientID == "" || sellerID == "" {
		return "", "", domain.NewError(domain.KindInvalidAuthorizationDetails, "%s and %s headers are required", headerClientID, headerSellerID)
	}
	return clientID, sellerID, nil
}

func orderIdentity(r *http.Request, t domain.OrderType) (domain.OrderIdentity, string, error) {
	clientID, sellerID, err := caller(r)
	if err != nil {
		return domain.OrderIdentity{}, "", err
	}
	uuid := chi.URLParam(r, "uuid")
	if uuid == "" {
		return domain.OrderIdentity{}, "", domain.NewError(domain.KindInvalidRequest, "order uuid is required")
	}
	return domain.OrderIdentity{ClientID: clientID, OrderType: t, UUID: uuid}, sellerID, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewError(domain.KindInvalidRequest, "invalid request body")
	}
	return body, nil
}

func decodeOrder(w http.ResponseWriter, r *http.Request) (*domain.Order, []byte, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, nil, err
	}
	var o domain.Order
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, nil, domain.NewError(domain.KindInvalidRequest, "invalid request body: %v", err)
	}
	return &o, body, nil
}

func writeResponse(w http.ResponseWriter, resp *booking.Response) {
	body := resp.Body
	if body == nil {
		var err error
		if body, err = json.Marshal(resp.Order); err != nil {
			writeError(w, http.StatusInternalServerError, domain.KindInternal, "internal error")
			return
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(body)
}

func (h *handlers) flow(stage domain.FlowStage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, sellerID, err := orderIdentity(r, stage.ResponseType())
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		order, body, err := decodeOrder(w, r)
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}

		resp, err := h.engine.ProcessFlowRequest(r.Context(), booking.FlowRequest{
			Stage:          stage,
			Identity:       id,
			SellerID:       sellerID,
			Order:          order,
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
			Body:           body,
		})
		if err != nil {
			writeDomainError(w, r, h.log, err)
			return
		}
		writeResponse(w, resp)
	}
}

func (h *handlers) orderStatus(w http.ResponseWriter, r *http.Request) {
	id, sellerID, err := orderIdentity(r, domain.OrderTypeOrder)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	resp, err := h.engine.ProcessGetOrderStatus(r.Context(), id, sellerID)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	writeResponse(w, resp)
}

func (h *handlers) deleteQuote(w http.ResponseWriter, r *http.Request) {
	id, sellerID, err := orderIdentity(r, domain.OrderTypeQuote)
	if err == nil {
		err = h.engine.ProcessOrderQuoteDeletion(r.Context(), id, sellerID)
	}
	h.noContent(w, r, err)
}

func (h *handlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id, sellerID, err := orderIdentity(r, domain.OrderTypeOrder)
	if err == nil {
		err = h.engine.ProcessOrderDeletion(r.Context(), id, sellerID)
	}
	h.noContent(w, r, err)
}

func (h *handlers) patchOrder(w http.ResponseWriter, r *http.Request) {
	id, sellerID, err := orderIdentity(r, domain.OrderTypeOrder)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	patch, _, err := decodeOrder(w, r)
	if err == nil {
		err = h.engine.ProcessOrderUpdate(r.Context(), id, sellerID, patch)
	}
	h.noContent(w, r, err)
}

func (h *handlers) patchProposal(w http.ResponseWriter, r *http.Request) {
	id, sellerID, err := orderIdentity(r, domain.OrderTypeProposal)
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	patch, _, err := decodeOrder(w, r)
	if err == nil {
		err = h.engine.ProcessOrderProposalUpdate(r.Context(), id, sellerID, patch)
	}
	h.noContent(w, r, err)
}

func (h *handlers) noContent(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeDomainError(w, r, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
