package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"retailpos/internal/domain"
	"retailpos/internal/order"
)

type addLineRequest struct {
	ProductID     string           `json:"product_id" validate:"required"`
	Quantity      int              `json:"quantity" validate:"gt=0"`
	SaleType      domain.SaleType  `json:"sale_type"`
	OverridePrice *decimal.Decimal `json:"override_price,omitempty"`
}

type updateLineRequest struct {
	Quantity int `json:"quantity"`
}

// paymentRequest changes only the fields that are present.
type paymentRequest struct {
	Method        *domain.PaymentMethod `json:"method,omitempty"`
	CashReceived  *decimal.Decimal      `json:"cash_received,omitempty"`
	LoyaltyPoints *int                  `json:"loyalty_points,omitempty"`
	VATInvoice    *bool                 `json:"vat_invoice,omitempty"`
	VAT           *domain.VATInfo       `json:"vat,omitempty"`
}

func (a *API) handleOpenTab(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	var employeeID *string
	if actor.EmployeeID != "" {
		id := actor.EmployeeID
		employeeID = &id
	}
	m := a.tabs.Open(actor.StoreID, employeeID)
	writeJSON(w, http.StatusCreated, m.View())
}

// tab resolves the tab in the path, hiding tabs of other stores.
func (a *API) tab(w http.ResponseWriter, r *http.Request) (*order.Machine, bool) {
	m, err := a.tabs.Get(chi.URLParam(r, "tabID"))
	if err == nil && m.Snapshot().StoreID != actorOf(r).StoreID {
		err = order.ErrTabNotFound
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return nil, false
	}
	return m, true
}

// respond writes the tab view, or err when the operation failed.
func (a *API) respond(w http.ResponseWriter, r *http.Request, m *order.Machine, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m.View())
}

func (a *API) handleGetTab(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tab": m.View(), "polling": m.Polling()})
}

func (a *API) handleCloseTab(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	if err := a.tabs.Close(m.Snapshot().ID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	var req addLineRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	_, err := m.AddLine(r.Context(), req.ProductID, req.Quantity, req.SaleType, req.OverridePrice)
	a.respond(w, r, m, err)
}

func (a *API) handleUpdateLine(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	var req updateLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, err := m.UpdateQuantity(r.Context(), chi.URLParam(r, "productID"), req.Quantity)
	a.respond(w, r, m, err)
}

func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	_, err := m.RemoveLine(r.Context(), chi.URLParam(r, "productID"))
	a.respond(w, r, m, err)
}

// handleSetCustomer attaches the customer in the body; a JSON null detaches.
func (a *API) handleSetCustomer(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	var customer *domain.CustomerRef
	if err := decodeJSON(r, &customer); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	_, err := m.SetCustomer(r.Context(), customer)
	a.respond(w, r, m, err)
}

func (a *API) handleSetPayment(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	var req paymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.VAT != nil && req.VATInvoice != nil && !*req.VATInvoice {
		writeError(w, http.StatusBadRequest, errors.New("vat details given without vat_invoice"))
		return
	}

	a.respond(w, r, m, applyPayment(r.Context(), m, req))
}

func applyPayment(ctx context.Context, m *order.Machine, req paymentRequest) error {
	if req.Method != nil {
		if _, err := m.SetPaymentMethod(ctx, *req.Method); err != nil {
			return err
		}
	}
	if req.CashReceived != nil {
		if _, err := m.SetCashReceived(ctx, *req.CashReceived); err != nil {
			return err
		}
	}
	if req.LoyaltyPoints != nil {
		if _, err := m.SetLoyalty(ctx, *req.LoyaltyPoints); err != nil {
			return err
		}
	}
	switch {
	case req.VAT != nil:
		_, err := m.SetVAT(ctx, req.VAT)
		return err
	case req.VATInvoice != nil && !*req.VATInvoice:
		_, err := m.SetVAT(ctx, nil)
		return err
	}
	return nil
}

func (a *API) handleSubmitTab(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	_, err := m.Submit(r.Context())
	a.respond(w, r, m, err)
}

func (a *API) handleConfirmTabCash(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	_, err := m.ConfirmCash(r.Context())
	a.respond(w, r, m, err)
}

func (a *API) handleCloseQR(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	m.CloseQRDialog()
	a.respond(w, r, m, nil)
}

func (a *API) handleReopenQR(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	_, err := m.ReopenQR()
	a.respond(w, r, m, err)
}

func (a *API) handleCancelQR(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	m.CancelQR()
	a.respond(w, r, m, nil)
}

// handlePollQR restarts the payment poller after a terminal reconnects.
func (a *API) handlePollQR(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	a.respond(w, r, m, m.StartPolling())
}

func (a *API) handlePrintTab(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	receipt, err := m.Print(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt": receipt, "tab": m.View()})
}

func (a *API) handleResetTab(w http.ResponseWriter, r *http.Request) {
	m, ok := a.tab(w, r)
	if !ok {
		return
	}
	m.Reset()
	a.respond(w, r, m, nil)
}
