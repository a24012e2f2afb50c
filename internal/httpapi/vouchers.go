package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func (a *API) handleCreateVoucher(w http.ResponseWriter, r *http.Request) {
	var req domain.VoucherCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.StoreID) == "" {
		req.StoreID = actorOf(r).StoreID
	}
	if req.StoreID != actorOf(r).StoreID {
		writeError(w, http.StatusForbidden, errors.New("store mismatch"))
		return
	}
	created, err := a.service.CreateVoucher(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListVouchers(w http.ResponseWriter, r *http.Request) {
	vouchers, err := a.service.ListVouchers(r.Context(), actorOf(r).StoreID, parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vouchers": vouchers})
}

func (a *API) handleGetVoucher(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownVoucher(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handlePostVoucher(w http.ResponseWriter, r *http.Request) {
	v, ok := a.ownVoucher(w, r)
	if !ok {
		return
	}
	posted, err := a.service.PostVoucher(r.Context(), v.ID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, posted)
}

func (a *API) ownVoucher(w http.ResponseWriter, r *http.Request) (*domain.InventoryVoucher, bool) {
	v, err := a.service.GetVoucher(r.Context(), chi.URLParam(r, "voucherID"))
	if err == nil && v.StoreID != actorOf(r).StoreID {
		err = store.ErrNotFound
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return nil, false
	}
	return v, true
}

// handleReconcile compares an external invoice, given as extracted fields or
// raw text, with an order of the caller's store.
func (a *API) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req domain.ReconcileRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	report, err := a.service.Reconcile(r.Context(), actorOf(r).StoreID, req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
