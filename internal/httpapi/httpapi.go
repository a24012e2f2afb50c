package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/unrolled/secure"
	"go.uber.org/zap"

	"retailpos/internal/domain"
	"retailpos/internal/observability"
	"retailpos/internal/order"
	"retailpos/internal/service"
	"retailpos/internal/store"
	"retailpos/internal/validation"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin string
	// LoginAttempts is the per-IP login budget for one minute.
	LoginAttempts int
	Production    bool
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

type API struct {
	service  *service.Service
	auth     *AuthManager
	tabs     *order.Registry
	validate *validator.Validate
	metrics  *observability.Metrics
	logger   *zap.Logger
	opts     Options
	// loginLimit outlives Handler so every router built from this API
	// shares one attempt budget.
	loginLimit func(http.Handler) http.Handler
}

func New(svc *service.Service, auth *AuthManager, tabs *order.Registry, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.LoginAttempts < 1 {
		opts.LoginAttempts = 5
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &API{
		service:    svc,
		auth:       auth,
		tabs:       tabs,
		validate:   validation.New(),
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		opts:       opts,
		loginLimit: newLoginLimiter(opts.LoginAttempts),
	}
}

func (a *API) Handler() http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		SSLRedirect:        a.opts.Production,
		SSLProxyHeaders:    map[string]string{"X-Forwarded-Proto": "https"},
	})

	r := chi.NewRouter()
	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		a.recoverer,
		a.metrics.Middleware,
		a.requestLogger,
		secureMiddleware.Handler,
		a.cors,
		chimw.RequestSize(maxBodyBytes),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMethodNotAllowed(w)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.With(a.loginLimit).Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(roleCashier, roleAdmin))

			r.Get("/products", a.handleProducts)
			r.Get("/products/{productID}/availability", a.handleAvailability)

			r.Post("/orders", a.handleSubmitOrder)
			r.Get("/orders/{orderID}", a.handleGetOrder)
			r.Post("/orders/{orderID}/cash-confirm", a.handleConfirmCash)
			r.Post("/orders/{orderID}/print", a.handlePrintOrder)
			r.Get("/payments/{reference}/status", a.handlePaymentStatus)

			r.Get("/vouchers/{voucherID}", a.handleGetVoucher)

			r.Route("/tabs", func(r chi.Router) {
				r.Post("/", a.handleOpenTab)
				r.Route("/{tabID}", func(r chi.Router) {
					r.Get("/", a.handleGetTab)
					r.Delete("/", a.handleCloseTab)
					r.Post("/lines", a.handleAddLine)
					r.Patch("/lines/{productID}", a.handleUpdateLine)
					r.Delete("/lines/{productID}", a.handleRemoveLine)
					r.Put("/customer", a.handleSetCustomer)
					r.Put("/payment", a.handleSetPayment)
					r.Post("/submit", a.handleSubmitTab)
					r.Post("/cash-confirm", a.handleConfirmTabCash)
					r.Post("/qr/close", a.handleCloseQR)
					r.Post("/qr/reopen", a.handleReopenQR)
					r.Post("/qr/cancel", a.handleCancelQR)
					r.Post("/qr/poll", a.handlePollQR)
					r.Post("/print", a.handlePrintTab)
					r.Post("/reset", a.handleResetTab)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(roleAdmin))

			r.Post("/payments/{reference}/paid", a.handleMarkQRPaid)
			r.Get("/vouchers", a.handleListVouchers)
			r.Post("/vouchers", a.handleCreateVoucher)
			r.Post("/vouchers/{voucherID}/post", a.handlePostVoucher)
			r.Post("/reconciliations", a.handleReconcile)
			r.Get("/audit-logs", a.handleAuditLogs)
			r.Get("/users", a.handleListUsers)
			r.Post("/users", a.handleCreateUser)
		})
	})
	return r
}

func newLoginLimiter(attempts int) func(http.Handler) http.Handler {
	return httprate.Limit(attempts, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		}),
	)
}

// requireAuth admits requests carrying a valid bearer token whose role is
// one of roles, and puts the actor on the request context.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}
			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func actorOf(r *http.Request) domain.Actor {
	actor, _ := service.ActorFromContext(r.Context())
	return actor
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", a.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("latency", time.Since(startedAt)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				a.logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("request_id", chimw.GetReqID(r.Context())),
					zap.Stack("stack"),
				)
				writeError(w, http.StatusInternalServerError, errors.New("panic"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"at":   time.Now().UTC().Format(time.RFC3339),
		"tabs": a.tabs.Len(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context(), actorOf(r).StoreID)})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req UserCreateRequest
	if !a.decodeValid(w, r, &req) {
		return
	}
	if req.StoreID != actorOf(r).StoreID {
		writeError(w, http.StatusForbidden, errors.New("store mismatch"))
		return
	}
	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := a.service.ListAuditLogs(r.Context(), actorOf(r).StoreID, parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

// decodeValid decodes the body into dest and runs its struct validation,
// writing the 400 itself when either fails.
func (a *API) decodeValid(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	verr := &domain.ValidationError{}
	if err := validation.Collect(a.validate.Struct(dest), verr); err != nil {
		a.writeServiceError(w, r, err)
		return false
	}
	if err := verr.OrNil(); err != nil {
		writeValidation(w, verr)
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

type errorBody struct {
	Error     string              `json:"error"`
	Code      string              `json:"code,omitempty"`
	Fields    []domain.FieldError `json:"fields,omitempty"`
	ProductID string              `json:"product_id,omitempty"`
	Available *int                `json:"available,omitempty"`
}

// statusFor maps an error from the service or a tab to its HTTP status.
func statusFor(err error) int {
	switch domain.ErrorCode(err) {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeInsufficientStock, domain.CodeExpiredBatchOnly, domain.CodeStaleOrderState, domain.CodeVoucherPosted:
		return http.StatusConflict
	case domain.CodePaymentWindowExpire:
		return http.StatusGone
	case domain.CodePartialVoucherApply:
		return http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, order.ErrTabNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate), errors.Is(err, order.ErrTabClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, status, err)
		return
	}

	body := errorBody{Error: err.Error(), Code: domain.ErrorCode(err)}
	var (
		verr    *domain.ValidationError
		short   *domain.InsufficientStockError
		expired *domain.ExpiredBatchOnlyError
	)
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if errors.As(err, &short) {
		available := short.Available
		body.ProductID = short.ProductID
		body.Available = &available
	}
	if errors.As(err, &expired) {
		available := 0
		body.ProductID = expired.ProductID
		body.Available = &available
	}
	writeJSON(w, status, body)
}

func writeValidation(w http.ResponseWriter, verr *domain.ValidationError) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: verr.Error(), Code: domain.CodeValidation, Fields: verr.Fields})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError writes err as-is for client errors. 5xx bodies stay generic;
// callers log the cause first.
func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
