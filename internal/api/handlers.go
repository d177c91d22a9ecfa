package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"tradecore/internal/audit"
	"tradecore/internal/cache"
	"tradecore/internal/events"
	"tradecore/pkg/apperr"
	"tradecore/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The operator surface binds on an internal port only.
		return true
	},
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cache       *cache.Store
	quotes      Quotes
	maintenance *Maintenance
	bus         *events.Bus
	hub         *Hub
	audit       *audit.Log
	logger      *slog.Logger
}

// NewHandlers wires the operator handlers.
func NewHandlers(cacheStore *cache.Store, quotes Quotes, maintenance *Maintenance,
	bus *events.Bus, hub *Hub, auditLog *audit.Log, logger *slog.Logger) *Handlers {
	return &Handlers{
		cache:       cacheStore,
		quotes:      quotes,
		maintenance: maintenance,
		bus:         bus,
		hub:         hub,
		audit:       auditLog,
		logger:      logger.With("component", "api"),
	}
}

// HandleHealth reports process liveness and cache reachability.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := h.cache.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// HandlePortfolio returns the account snapshot for ?user_type=&user_id=.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userType, userID, ok := userParams(w, r)
	if !ok {
		return
	}
	snap, err := BuildPortfolio(r.Context(), h.cache, h.quotes, userType, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleRebuildIndices re-derives a user's cache indices from the durable
// store. POST only.
func (h *Handlers) HandleRebuildIndices(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userType, userID, ok := userParams(w, r)
	if !ok {
		return
	}
	mirrored, err := h.maintenance.RebuildUserIndices(r.Context(), userType, userID)
	h.recordAdmin(r, "rebuild_user_indices", userType, userID, map[string]any{"mirrored": mirrored}, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mirrored": mirrored})
}

// HandlePruneStale drops cached holdings with terminal or missing durable
// rows. POST only.
func (h *Handlers) HandlePruneStale(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	userType, userID, ok := userParams(w, r)
	if !ok {
		return
	}
	removed, err := h.maintenance.PruneStaleCache(r.Context(), userType, userID)
	h.recordAdmin(r, "prune_stale_cache", userType, userID, map[string]any{"removed": removed}, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// HandleEnsureHolding forces one order's cache state to match its durable
// row. POST only, ?order_id=.
func (h *Handlers) HandleEnsureHolding(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		http.Error(w, "order_id is required", http.StatusBadRequest)
		return
	}
	err := h.maintenance.EnsureHolding(r.Context(), orderID)
	h.recordAdmin(r, "ensure_holding", "", "", map[string]any{"order_id": orderID}, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID, "status": "reconciled"})
}

// HandleEnsureSymbolHolders rebuilds holder sets for ?symbol=. POST only.
func (h *Handlers) HandleEnsureSymbolHolders(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	holders, err := h.maintenance.EnsureSymbolHolders(r.Context(), symbol)
	h.recordAdmin(r, "ensure_symbol_holders", "", "", map[string]any{"symbol": symbol, "holders": holders}, err)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "holders": holders})
}

// HandleStream upgrades to WebSocket and streams the user's lifecycle events.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	userType, userID, ok := userParams(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade", "error", err)
		return
	}
	h.hub.Attach(h.bus, conn, userType, userID)
}

func (h *Handlers) recordAdmin(r *http.Request, action string, userType types.UserType,
	userID string, detail map[string]any, opErr error) {
	if h.audit == nil {
		return
	}
	e := audit.Entry{
		Action:   action,
		UserType: userType,
		UserID:   userID,
		Detail:   detail,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := h.audit.Record(e); err != nil {
		h.logger.Warn("audit record", "action", action, "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	code := apperr.KindOf(err).HTTPStatus()
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func userParams(w http.ResponseWriter, r *http.Request) (types.UserType, string, bool) {
	userType := types.UserType(r.URL.Query().Get("user_type"))
	userID := r.URL.Query().Get("user_id")
	if !userType.Valid() || userID == "" {
		http.Error(w, "user_type and user_id are required", http.StatusBadRequest)
		return "", "", false
	}
	return userType, userID, true
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}
