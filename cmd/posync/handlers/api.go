// Package handlers provides the local REST API the till UI talks to.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/scheduler"
)

// OrderService is the offline service surface used by the API.
type OrderService interface {
	EnqueueOrder(ctx context.Context, data models.Order) (*models.Order, error)
	EnqueueStatusUpdate(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
	EnqueueReceipt(ctx context.Context, data models.Receipt) (*models.Receipt, error)
	EnqueueBillRequest(ctx context.Context, data models.BillRequest) (*models.BillRequest, error)
	PendingCount(ctx context.Context) (int, error)
	IsOffline() bool
	Order(ctx context.Context, id string) (*models.Order, error)
	Orders(ctx context.Context) ([]models.Order, error)
	MenuItems(ctx context.Context) ([]models.MenuItem, error)
	Tables(ctx context.Context) ([]models.Table, error)
	Users(ctx context.Context) ([]models.User, error)
	RefreshSnapshots(ctx context.Context) (map[string]int, error)
	FailedItems(ctx context.Context) ([]*models.SyncQueueItem, error)
	RetryItem(ctx context.Context, id string) error
}

// Syncer runs and reports drain passes.
type Syncer interface {
	SyncNow(ctx context.Context) (*syncpkg.SyncResult, error)
	TriggerSync() bool
	GetStatus(ctx context.Context) (scheduler.SchedulerStatus, error)
}

// APIHandler handles the till's order and sync endpoints.
type APIHandler struct {
	svc    OrderService
	syncer Syncer
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(svc OrderService, syncer Syncer) *APIHandler {
	return &APIHandler{svc: svc, syncer: syncer}
}

// RegisterRoutes mounts the API under /api.
func (h *APIHandler) RegisterRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders", h.ListOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/status", h.UpdateOrderStatus).Methods(http.MethodPatch)
	api.HandleFunc("/receipts", h.CreateReceipt).Methods(http.MethodPost)
	api.HandleFunc("/bill-requests", h.CreateBillRequest).Methods(http.MethodPost)

	api.HandleFunc("/menu-items", h.ListMenuItems).Methods(http.MethodGet)
	api.HandleFunc("/tables", h.ListTables).Methods(http.MethodGet)
	api.HandleFunc("/users", h.ListUsers).Methods(http.MethodGet)
	api.HandleFunc("/snapshots/refresh", h.RefreshSnapshots).Methods(http.MethodPost)

	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync", h.TriggerSync).Methods(http.MethodPost)
	api.HandleFunc("/queue/failed", h.ListFailed).Methods(http.MethodGet)
	api.HandleFunc("/queue/{id}/retry", h.RetryItem).Methods(http.MethodPost)
}

// Health handles GET /api/health.
func (h *APIHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "service": "posync"})
}

// =====================================================
// Business Event Endpoints
// =====================================================

// CreateOrder handles POST /api/orders.
func (h *APIHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var order models.Order
	if !decode(w, r, &order) {
		return
	}
	created, err := h.svc.EnqueueOrder(r.Context(), order)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateOrderStatus handles PATCH /api/orders/{id}/status.
func (h *APIHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Status models.OrderStatus `json:"status"`
	}
	if !decode(w, r, &request) {
		return
	}
	if request.Status == "" {
		writeError(w, errors.New(errors.ErrInvalid, "status is required"))
		return
	}
	order, err := h.svc.EnqueueStatusUpdate(r.Context(), mux.Vars(r)["id"], request.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CreateReceipt handles POST /api/receipts.
func (h *APIHandler) CreateReceipt(w http.ResponseWriter, r *http.Request) {
	var receipt models.Receipt
	if !decode(w, r, &receipt) {
		return
	}
	created, err := h.svc.EnqueueReceipt(r.Context(), receipt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// CreateBillRequest handles POST /api/bill-requests.
func (h *APIHandler) CreateBillRequest(w http.ResponseWriter, r *http.Request) {
	var bill models.BillRequest
	if !decode(w, r, &bill) {
		return
	}
	created, err := h.svc.EnqueueBillRequest(r.Context(), bill)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// =====================================================
// Read Endpoints
// =====================================================

// GetOrder handles GET /api/orders/{id}.
func (h *APIHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.svc.Order(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders handles GET /api/orders.
func (h *APIHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.svc.Orders)
}

// ListMenuItems handles GET /api/menu-items.
func (h *APIHandler) ListMenuItems(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.svc.MenuItems)
}

// ListTables handles GET /api/tables.
func (h *APIHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.svc.Tables)
}

// ListUsers handles GET /api/users.
func (h *APIHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.svc.Users)
}

func list[T any](w http.ResponseWriter, r *http.Request, fetch func(context.Context) ([]T, error)) {
	items, err := fetch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, items)
}

// RefreshSnapshots handles POST /api/snapshots/refresh.
func (h *APIHandler) RefreshSnapshots(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.RefreshSnapshots(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"refreshed": counts})
}

// =====================================================
// Sync Status and Trigger Endpoints
// =====================================================

// GetStatus handles GET /api/status. The UI is told only whether the till
// is offline and how many events are waiting.
func (h *APIHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.PendingCount(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	response := map[string]interface{}{
		"offline": h.svc.IsOffline(),
		"pending": pending,
	}
	if h.syncer != nil {
		if status, err := h.syncer.GetStatus(r.Context()); err == nil {
			response["syncing"] = status.SyncInProgress
			if status.LastSyncTime != nil {
				response["last_sync"] = status.LastSyncTime.Unix()
			}
		}
	}
	writeJSON(w, http.StatusOK, response)
}

// TriggerSync handles POST /api/sync. With ?wait=true it runs the pass
// inline and returns its result; otherwise it queues a pass and returns 202.
func (h *APIHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer == nil {
		writeError(w, errors.New(errors.ErrNotConfigured, "sync is not configured"))
		return
	}
	if r.URL.Query().Get("wait") != "true" {
		queued := h.syncer.TriggerSync()
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": queued})
		return
	}

	result, err := h.syncer.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListFailed handles GET /api/queue/failed.
func (h *APIHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.svc.FailedItems)
}

// RetryItem handles POST /api/queue/{id}/retry.
func (h *APIHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RetryItem(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "queued"})
}

// =====================================================
// Helpers
// =====================================================

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, errors.Wrap(errors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

// statusFor maps an error code onto an HTTP status.
func statusFor(err error) int {
	if stderrors.Is(err, syncpkg.ErrSyncInProgress) {
		return http.StatusConflict
	}
	switch errors.CodeOf(err) {
	case errors.ErrInvalid:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	case errors.ErrInvalidTransition:
		return http.StatusConflict
	case errors.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case errors.ErrSyncOffline:
		return http.StatusServiceUnavailable
	case errors.ErrSyncAuthFailed:
		return http.StatusUnauthorized
	case errors.ErrNotConfigured:
		return http.StatusNotImplemented
	case errors.ErrSyncNetwork, errors.ErrSyncTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	if stderrors.Is(err, syncpkg.ErrSyncInProgress) {
		code = "SYNC_IN_PROGRESS"
	}
	writeJSON(w, statusFor(err), map[string]interface{}{
		"error": err.Error(),
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
