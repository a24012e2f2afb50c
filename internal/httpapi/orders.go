package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context(), actorOf(r).StoreID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleAvailability(w http.ResponseWriter, r *http.Request) {
	availability, err := a.service.Availability(r.Context(), actorOf(r).StoreID, chi.URLParam(r, "productID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availability)
}

// handleSubmitOrder creates or updates a pending order. Terminals submit
// for their own store only; the employee defaults to the caller.
func (a *API) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor := actorOf(r)
	if strings.TrimSpace(req.StoreID) == "" {
		req.StoreID = actor.StoreID
	}
	if req.StoreID != actor.StoreID {
		writeError(w, http.StatusForbidden, errors.New("store mismatch"))
		return
	}
	if req.EmployeeID == nil && actor.EmployeeID != "" {
		employeeID := actor.EmployeeID
		req.EmployeeID = &employeeID
	}

	resp, err := a.service.SubmitOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	found, ok := a.ownOrder(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *API) handleConfirmCash(w http.ResponseWriter, r *http.Request) {
	found, ok := a.ownOrder(w, r)
	if !ok {
		return
	}
	resp, err := a.service.ConfirmCashPayment(r.Context(), found.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePrintOrder(w http.ResponseWriter, r *http.Request) {
	found, ok := a.ownOrder(w, r)
	if !ok {
		return
	}
	resp, err := a.service.PrintOrder(r.Context(), found.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ownOrder loads the order named in the path. Orders of other stores are
// reported as missing.
func (a *API) ownOrder(w http.ResponseWriter, r *http.Request) (*domain.Order, bool) {
	found, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err == nil && found.StoreID != actorOf(r).StoreID {
		err = store.ErrNotFound
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return nil, false
	}
	return found, true
}

func (a *API) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.PaymentStatus(r.Context(), actorOf(r).StoreID, chi.URLParam(r, "reference"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleMarkQRPaid records the bank's confirmation of a QR transfer.
func (a *API) handleMarkQRPaid(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.MarkQRPaid(r.Context(), actorOf(r).StoreID, chi.URLParam(r, "reference"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
