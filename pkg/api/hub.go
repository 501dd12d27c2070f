package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socialmesh/pkg/config"
	"socialmesh/pkg/logger"
	"socialmesh/pkg/metrics"
	"socialmesh/pkg/models"
	"socialmesh/pkg/peers"
	"socialmesh/pkg/protocol"
	"socialmesh/pkg/store"
	"socialmesh/pkg/syncer"
	"socialmesh/pkg/validator"
)

// HubServer serves the hub role: message ingest, reads, and the peer
// sync surface.
type HubServer struct {
	store     *store.Store
	val       *validator.Validator
	sync      *syncer.Syncer
	dir       *peers.Directory
	cache     *messageCache
	nodeID    string
	propagate bool
}

func NewHubServer(st *store.Store, val *validator.Validator, sy *syncer.Syncer, dir *peers.Directory, nodeID string, propagate bool) *HubServer {
	cache := newMessageCache(0)
	// Tombstones arrive through the delete API and through peer sync;
	// both land in the store, so the store evicts the cached live copy.
	st.OnTombstone(cache.drop)
	return &HubServer{
		store:     st,
		val:       val,
		sync:      sy,
		dir:       dir,
		cache:     cache,
		nodeID:    nodeID,
		propagate: propagate,
	}
}

// Router builds the full hub route table.
func (h *HubServer) Router(rl config.RateLimitConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestLog)
	r.Use(RateLimit(rl))

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/messages", h.submitMessage).Methods(http.MethodPost)
	v1.HandleFunc("/messages", h.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages/batch", h.batchMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages/search", h.searchMessages).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{hash}", h.getMessage).Methods(http.MethodGet)
	v1.HandleFunc("/messages/{hash}", h.deleteMessage).Methods(http.MethodDelete)

	v1.HandleFunc("/sync/messages", h.syncMessages).Methods(http.MethodGet)
	v1.HandleFunc("/sync/push", h.syncPush).Methods(http.MethodPost)
	v1.HandleFunc("/sync/status", h.syncStatus).Methods(http.MethodGet)

	v1.HandleFunc("/peers", h.listPeers).Methods(http.MethodGet)
	v1.HandleFunc("/peers", h.addPeer).Methods(http.MethodPost)
	v1.HandleFunc("/peers", h.removePeer).Methods(http.MethodDelete)

	registerHealth(r, h.store)
	return r
}

// accept runs full validation and stores the message. Both the client
// ingest path and the peer push path land here.
func (h *HubServer) accept(r *http.Request, m *models.Message) models.MessageResult {
	res := models.MessageResult{Hash: m.Hash, Timestamp: m.Timestamp}
	if err := h.val.Validate(r.Context(), m); err != nil {
		res.Status = "rejected"
		res.Error = string(protocol.CodeOf(err))
		if res.Error == "" {
			res.Error = err.Error()
		}
		metrics.MessagesRejected.WithLabelValues(res.Error).Inc()
		return res
	}
	if err := h.store.SaveMessage(m); err != nil {
		res.Status = "rejected"
		res.Error = string(protocol.CodeStorageFailure)
		logger.Error("message_store_failed", "hash", m.Hash, "error", err)
		return res
	}
	res.Status = "accepted"
	metrics.MessagesAccepted.Inc()
	h.cache.put(m)
	return res
}

func (h *HubServer) submitMessage(w http.ResponseWriter, r *http.Request) {
	var m models.Message
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res := h.accept(r, &m)
	if res.Status == "accepted" {
		logger.Info("message_accepted", "hash", m.Hash, "account", m.AccountID, "type", m.Type)
		if h.propagate && h.sync != nil {
			h.sync.Propagate(&m)
		}
	}
	JSONWrite(w, http.StatusOK, res)
}

func (h *HubServer) getMessage(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if m, ok := h.cache.get(hash); ok && !m.Deleted {
		JSONWrite(w, http.StatusOK, m)
		return
	}
	m, ok, err := h.store.GetMessage(hash)
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok || m.Deleted {
		JSONError(w, http.StatusNotFound, "message not found")
		return
	}
	h.cache.put(m)
	JSONWrite(w, http.StatusOK, m)
}

func (h *HubServer) deleteMessage(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	if err := h.store.DeleteMessage(hash); err != nil {
		JSONError(w, http.StatusNotFound, err.Error())
		return
	}
	logger.Info("message_tombstoned", "hash", hash)
	JSONWrite(w, http.StatusOK, map[string]string{"hash": hash, "status": "deleted"})
}

func (h *HubServer) listMessages(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		JSONError(w, http.StatusBadRequest, "account parameter required")
		return
	}
	limit := intParam(r, "limit", 50)
	msgs, cursor, err := h.store.ListMessagesByAccount(account, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"messages": orEmpty(msgs), "cursor": cursor})
}

func (h *HubServer) batchMessages(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("accounts")
	if raw == "" {
		JSONError(w, http.StatusBadRequest, "accounts parameter required")
		return
	}
	accounts := strings.Split(raw, ",")
	limit := intParam(r, "limit", 50)
	msgs, cursor, err := h.store.ListMessagesByAccounts(accounts, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"messages": orEmpty(msgs), "cursor": cursor})
}

func (h *HubServer) searchMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		JSONError(w, http.StatusBadRequest, "q parameter required")
		return
	}
	msgs, err := h.store.SearchMessages(q, intParam(r, "limit", 50))
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"messages": orEmpty(msgs)})
}

func (h *HubServer) syncMessages(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit := intParam(r, "limit", 100)
	msgs, cursor, err := h.store.ListMessagesSince(since, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	JSONWrite(w, http.StatusOK, map[string]any{"messages": orEmpty(msgs), "cursor": cursor})
}

func (h *HubServer) syncPush(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	results := make([]models.MessageResult, 0, len(in.Messages))
	for i := range in.Messages {
		results = append(results, h.accept(r, &in.Messages[i]))
	}
	JSONWrite(w, http.StatusOK, map[string]any{"results": results})
}

func (h *HubServer) syncStatus(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.MessageCount()
	if err != nil {
		JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var last int64
	if h.sync != nil {
		last = h.sync.LastSync()
	}
	JSONWrite(w, http.StatusOK, map[string]any{
		"nodeId":            h.nodeID,
		"lastSyncTimestamp": last,
		"peerCount":         h.dir.Len(),
		"messageCount":      count,
	})
}

func (h *HubServer) listPeers(w http.ResponseWriter, r *http.Request) {
	JSONWrite(w, http.StatusOK, map[string]any{"peers": h.dir.Snapshot()})
}

func (h *HubServer) addPeer(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Endpoint == "" {
		JSONError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	if h.sync != nil {
		// Detach from the request: the on-connect sync outlives it.
		h.sync.AddPeer(context.Background(), in.Endpoint)
	} else {
		h.dir.Add(in.Endpoint)
	}
	JSONWrite(w, http.StatusCreated, map[string]string{"endpoint": in.Endpoint})
}

func (h *HubServer) removePeer(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		var in struct {
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err == nil {
			endpoint = in.Endpoint
		}
	}
	if endpoint == "" {
		JSONError(w, http.StatusBadRequest, "endpoint required")
		return
	}
	h.dir.Remove(endpoint)
	JSONWrite(w, http.StatusOK, map[string]string{"endpoint": endpoint, "status": "removed"})
}

func registerHealth(r *mux.Router, st *store.Store) {
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if st != nil && !st.Ready() {
			JSONError(w, http.StatusServiceUnavailable, "store not ready")
			return
		}
		JSONWrite(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", promhttp.Handler())
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// orEmpty keeps JSON arrays as [] instead of null.
func orEmpty[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
