package daemon

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/mistnote/mistnote/internal/delivery"
	"github.com/mistnote/mistnote/internal/identity"
)

// historyRateLimit caps history fetches per identity per minute. Clients are
// expected to fall back to their local cache on 429.
const historyRateLimit = 30

// API serves the REST surface next to the websocket endpoint.
type API struct {
	auth      delivery.Authenticator
	store     *delivery.SQLiteStore
	directory delivery.Directory
	registry  *delivery.OnlineRegistry
	logger    *zap.Logger

	lmu     gosync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewAPI creates the REST handler set.
func NewAPI(auth delivery.Authenticator, store *delivery.SQLiteStore, directory delivery.Directory, registry *delivery.OnlineRegistry, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		auth:      auth,
		store:     store,
		directory: directory,
		registry:  registry,
		logger:    logger,
		windows:   make(map[string]*rateWindow),
	}
}

// Register attaches the API routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/users/{id}", a.requireAuth(a.handleProfile))
	mux.HandleFunc("GET /api/messages/{peer}", a.requireAuth(a.handleHistory))
	mux.HandleFunc("GET /api/contacts", a.requireAuth(a.handleContacts))
	mux.HandleFunc("GET /api/online", a.requireAuth(a.handleOnline))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, loginID string)

func (a *API) requireAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		loginID, err := a.auth.Authenticate(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h(w, r, loginID)
	}
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request, _ string) {
	id, err := identity.ParseWith(r.PathValue("id"), a.directory)
	if err != nil {
		http.Error(w, "unknown identity", http.StatusNotFound)
		return
	}
	profile, err := a.directory.Profile(id.String())
	if errors.Is(err, delivery.ErrPeerNotFound) {
		http.Error(w, "unknown identity", http.StatusNotFound)
		return
	}
	if err != nil {
		a.logger.Error("profile lookup failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if !a.registry.IsOnline(profile.Identity) {
		profile.Status = "offline"
	}
	writeJSON(w, map[string]string{
		"identity":    profile.Identity,
		"storageId":   profile.StorageID,
		"displayName": profile.DisplayName,
		"avatarUrl":   profile.AvatarURL,
		"status":      profile.Status,
		"statusText":  profile.StatusText,
	})
}

// handleContacts returns the caller's contact list with storage IDs so
// clients can feed their local resolver.
func (a *API) handleContacts(w http.ResponseWriter, r *http.Request, loginID string) {
	ids, err := a.directory.Contacts(loginID)
	if err != nil {
		a.logger.Error("contact lookup failed", zap.Error(err))
		http.Error(w, "contacts unavailable", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		profile, err := a.directory.Profile(id)
		if err != nil {
			a.logger.Warn("contact profile missing", zap.String("identity", id), zap.Error(err))
			continue
		}
		out = append(out, map[string]string{
			"identity":    profile.Identity,
			"storageId":   profile.StorageID,
			"displayName": profile.DisplayName,
			"avatarUrl":   profile.AvatarURL,
		})
	}
	writeJSON(w, out)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request, loginID string) {
	if !a.allow(loginID) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	peer, err := identity.ParseWith(r.PathValue("peer"), a.directory)
	if err != nil {
		http.Error(w, "unknown identity", http.StatusNotFound)
		return
	}
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 50)
	if pageSize > 200 {
		pageSize = 200
	}

	msgs, err := a.store.History(loginID, peer.String(), page, pageSize)
	if err != nil {
		a.logger.Error("history query failed", zap.Error(err))
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, map[string]any{
			"id":         m.ID,
			"senderId":   m.SenderID,
			"receiverId": m.ReceiverID,
			"content":    m.Content,
			"kind":       m.Kind,
			"createdAt":  m.CreatedAt,
			"status":     m.Status,
		})
	}
	writeJSON(w, out)
}

func (a *API) handleOnline(w http.ResponseWriter, r *http.Request, _ string) {
	writeJSON(w, a.registry.Snapshot())
}

// allow implements a fixed one-minute window per identity.
func (a *API) allow(loginID string) bool {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	win, ok := a.windows[loginID]
	if !ok || time.Since(win.start) > time.Minute {
		a.windows[loginID] = &rateWindow{start: time.Now(), count: 1}
		return true
	}
	win.count++
	return win.count <= historyRateLimit
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}
