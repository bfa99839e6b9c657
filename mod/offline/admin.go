package offline

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"imuslab.com/offlinecache/mod/cachestats"
	"imuslab.com/offlinecache/mod/policy"
	"imuslab.com/offlinecache/mod/utils"
)

const wsIdleTimeout = 10 * time.Minute

// AdminHandler provides HTTP endpoints for cache administration and the control channel
type AdminHandler struct {
	registration *Registration
	stats        *cachestats.Collector
	adminSecret  string
	upgrader     websocket.Upgrader
}

// NewAdminHandler creates a new admin handler. stats may be nil.
func NewAdminHandler(registration *Registration, stats *cachestats.Collector, adminSecret string) *AdminHandler {
	return &AdminHandler{
		registration: registration,
		stats:        stats,
		adminSecret:  adminSecret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterHandlers mounts every admin endpoint under prefix, e.g. /_offline
func (ah *AdminHandler) RegisterHandlers(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix+"/status", ah.HandleStatus)
	mux.HandleFunc(prefix+"/purge", ah.HandlePurge)
	mux.HandleFunc(prefix+"/purge-prefix", ah.HandlePurgePrefix)
	mux.HandleFunc(prefix+"/policies", ah.HandlePolicies)
	mux.HandleFunc(prefix+"/classify", ah.HandleClassify)
	mux.HandleFunc(prefix+"/message", ah.HandleMessage)
	mux.HandleFunc(prefix+"/ws", ah.HandleWebSocket)
	if ah.stats != nil {
		mux.HandleFunc(prefix+"/stats", ah.RequireAuth(ah.stats.HandleGetAllStats))
		mux.HandleFunc(prefix+"/stats/type", ah.RequireAuth(ah.stats.HandleGetTypeStats))
		mux.HandleFunc(prefix+"/stats/summary", ah.RequireAuth(ah.stats.HandleGetSummary))
		mux.HandleFunc(prefix+"/stats/reset", ah.RequireAuth(ah.stats.HandleResetStats))
	}
}

// authenticate checks if the request is authorized
func (ah *AdminHandler) authenticate(r *http.Request) bool {
	if ah.adminSecret == "" {
		// No auth required
		return true
	}

	// Check Authorization header
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		return token == ah.adminSecret
	}

	// Check query parameter
	secret := r.URL.Query().Get("secret")
	return secret == ah.adminSecret
}

// RequireAuth wraps a handler with the admin secret check
func (ah *AdminHandler) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ah.authenticate(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// activeController writes an error and returns nil when nothing is installed
func (ah *AdminHandler) activeController(w http.ResponseWriter) *Controller {
	c := ah.registration.Active()
	if c == nil {
		http.Error(w, "offline cache is not installed", http.StatusServiceUnavailable)
	}
	return c
}

// HandlePurge removes one key from every partition
func (ah *AdminHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Key string `json:"key"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	if req.Key == "" {
		utils.SendErrorResponse(w, "Key is required")
		return
	}

	c := ah.activeController(w)
	if c == nil {
		return
	}

	deleted, err := c.Purge(r.Context(), req.Key)
	if err != nil {
		utils.SendErrorResponse(w, "Failed to purge cache: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Cache entry purged successfully",
		"key":     req.Key,
		"deleted": deleted,
	})
}

// HandlePurgePrefix removes every key with a prefix from every partition
func (ah *AdminHandler) HandlePurgePrefix(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Prefix string `json:"prefix"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	if req.Prefix == "" {
		utils.SendErrorResponse(w, "Prefix is required")
		return
	}

	c := ah.activeController(w)
	if c == nil {
		return
	}

	deleted, err := c.PurgePrefix(r.Context(), req.Prefix)
	if err != nil {
		utils.SendErrorResponse(w, "Failed to purge cache prefix: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Cache entries purged successfully",
		"prefix":  req.Prefix,
		"deleted": deleted,
	})
}

// HandleStatus reports versions, partition sizes and statistics
func (ah *AdminHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := ah.activeController(w)
	if c == nil {
		return
	}

	sizes, err := c.PartitionSizes(r.Context())
	if err != nil {
		utils.SendErrorResponse(w, "Failed to read partitions: "+err.Error())
		return
	}

	waiting := ""
	if wc := ah.registration.Waiting(); wc != nil {
		waiting = wc.Version()
	}

	response := map[string]interface{}{
		"version":         c.Version(),
		"waiting_version": waiting,
		"active":          c.IsActive(),
		"backend":         getBackendType(c.Storage()),
		"partitions":      sizes,
		"config": map[string]interface{}{
			"manifest":        c.config.Manifest,
			"offline_page":    c.config.OfflinePage,
			"max_body_size":   c.config.MaxBodySize,
			"optimizer_steps": c.config.Optimizer.Len(),
			"worker_queue":    c.config.WorkerQueue != nil,
		},
	}
	if ah.stats != nil {
		response["stats"] = ah.stats.Totals()
	}
	if q, ok := c.config.WorkerQueue.(queueDepth); ok {
		response["queue"] = map[string]int{
			"size":     q.GetQueueSize(),
			"capacity": q.GetQueueCapacity(),
		}
	}

	utils.SendJSONResponse(w, response)
}

// queueDepth is implemented by refresh queues that report their backlog
type queueDepth interface {
	GetQueueSize() int
	GetQueueCapacity() int
}

// HandlePolicies lists the fixed policy table
func (ah *AdminHandler) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type policyView struct {
		Strategy   policy.Strategy      `json:"strategy"`
		Partition  policy.PartitionKind `json:"partition"`
		MaxAge     string               `json:"max_age"`
		MaxEntries int                  `json:"max_entries"`
	}
	view := func(p policy.Policy) policyView {
		return policyView{p.Strategy, p.Partition, p.MaxAge.String(), p.MaxEntries}
	}

	table := make(map[string]policyView)
	for rt, p := range policy.Table() {
		table[string(rt)] = view(p)
	}
	utils.SendJSONResponse(w, map[string]interface{}{
		"policies": table,
		"default":  view(policy.DefaultPolicy),
	})
}

// HandleClassify reports the resource type and policy of a URL
func (ah *AdminHandler) HandleClassify(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	raw, err := utils.GetPara(r, "url")
	if err != nil {
		utils.SendErrorResponse(w, "url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		utils.SendErrorResponse(w, "Invalid url")
		return
	}

	rt := policy.ClassifyURL(strings.ToLower(r.URL.Query().Get("dest")), u)
	p := policy.For(rt)
	utils.SendJSONResponse(w, map[string]interface{}{
		"url":           raw,
		"resource_type": rt,
		"strategy":      p.Strategy,
		"partition":     p.Partition,
		"max_age":       p.MaxAge.String(),
		"max_entries":   p.MaxEntries,
	})
}

// HandleMessage executes one control channel message posted as JSON
func (ah *AdminHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}

	reply, err := ah.registration.HandleMessage(r.Context(), msg)
	if err != nil {
		http.Error(w, err.Error(), messageErrorStatus(err))
		return
	}
	if reply == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	utils.SendJSONResponse(w, reply)
}

// HandleWebSocket serves the control channel over a websocket.
// Each text frame is one message; replies are written back in order.
func (ah *AdminHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := ah.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		return
	}
	defer conn.Close()

	log := ah.registration.logger
	for {
		conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("offline", "control channel closed", zap.Error(err))
			}
			return
		}

		reply, err := ah.registration.HandleMessage(r.Context(), msg)
		if err != nil {
			reply = &Reply{Type: "ERROR", Payload: err.Error()}
		}
		if reply == nil {
			continue
		}
		if err := conn.WriteJSON(reply); err != nil {
			log.Debug("offline", "control channel write failed", zap.Error(err))
			return
		}
	}
}

func messageErrorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownMessage):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotRegistered):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
