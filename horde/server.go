package horde

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/util/logger"
)

const maxBodySize = 1 << 20

// Server is the HTTP face of the horde protocol: it accepts replicated
// cache deltas, pushed group configurations, forwarded commands, and serves
// this instance's context. The prometheus endpoint rides on the same
// listener.
type Server struct {
	cfg          *config.Store
	caches       *cache.Caches
	gate         *gate.Gate
	localContext func() Context
	run          func(ctx context.Context, payload string)
	log          *logger.Logger
}

// NewServer creates the protocol server. run executes a delivered command
// payload through the local pipeline.
func NewServer(cfg *config.Store, caches *cache.Caches, g *gate.Gate,
	localContext func() Context, run func(ctx context.Context, payload string)) *Server {
	return &Server{
		cfg:          cfg,
		caches:       caches,
		gate:         g,
		localContext: localContext,
		run:          run,
		log:          logger.NewLogger("HordeServer"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /command/metrics", s.auth(s.handleContext))
	mux.HandleFunc("PUT /command/push/{group}", s.auth(s.handlePushGroup))
	mux.HandleFunc("PUT /cache/{category}/{id}", s.auth(s.handleCachePut))
	mux.HandleFunc("DELETE /cache/{category}/{id}", s.auth(s.handleCacheDelete))
	mux.HandleFunc("DELETE /cache/{category}", s.auth(s.handleCacheClear))
	mux.HandleFunc("POST /{$}", s.auth(s.handleCommand))
	return mux
}

// auth requires the configured basic-auth credentials and, when set, the
// shared-secret header.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		horde := s.cfg.Snapshot().Horde
		user, pass, ok := r.BasicAuth()
		if !ok || !secureEqual(user, horde.Username) || !secureEqual(pass, horde.Password) {
			s.log.Warnf("rejected %s %s from %s: bad credentials", r.Method, r.URL.Path, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="horde"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if horde.SharedSecret != "" &&
			!secureEqual(r.Header.Get(SecretHeader), horde.SharedSecret) {
			s.log.Warnf("rejected %s %s from %s: bad shared secret", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func secureEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) handleContext(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-www-form-urlencoded")
	io.WriteString(w, s.localContext().Encode())
}

// handlePushGroup stores a peer-pushed group configuration so commands the
// peer routes here afterwards can authenticate.
func (s *Server) handlePushGroup(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	group, err := DecodeGroup(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if group.UUID != r.PathValue("group") {
		http.Error(w, "path and body group mismatch", http.StatusBadRequest)
		return
	}
	encoded, err := json.Marshal(group)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// ApplyRemote keeps pushed groups out of this instance's own
	// replication stream.
	s.caches.ConfigGroups.ApplyRemote(cache.Delta{
		Category: cache.CategoryConfigGroup,
		Op:       cache.OpAdd,
		ID:       group.UUID,
		Value:    string(encoded),
	})
	s.log.Infof("group %s (%s) synchronized from %s", group.Name, group.UUID, r.RemoteAddr)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCachePut(w http.ResponseWriter, r *http.Request) {
	category, ok := cache.ParseCategory(r.PathValue("category"))
	if !ok {
		http.Error(w, "unknown cache category", http.StatusNotFound)
		return
	}
	value, err := readBody(r)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	s.caches.ByCategory(category).ApplyRemote(cache.Delta{
		Category: category,
		Op:       cache.OpAdd,
		ID:       r.PathValue("id"),
		Value:    value,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	category, ok := cache.ParseCategory(r.PathValue("category"))
	if !ok {
		http.Error(w, "unknown cache category", http.StatusNotFound)
		return
	}
	s.caches.ByCategory(category).ApplyRemote(cache.Delta{
		Category: category,
		Op:       cache.OpRemove,
		ID:       r.PathValue("id"),
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	category, ok := cache.ParseCategory(r.PathValue("category"))
	if !ok {
		http.Error(w, "unknown cache category", http.StatusNotFound)
		return
	}
	s.caches.ByCategory(category).LoadSnapshot(nil)
	w.WriteHeader(http.StatusOK)
}

// handleCommand accepts a forwarded command for asynchronous execution. Any
// result travels through the command's own callback, so delivery is
// acknowledged immediately.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil || payload == "" {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	s.gate.Spawn(gate.CategoryCommand, 64, func() {
		s.run(context.Background(), payload)
	})
	w.WriteHeader(http.StatusAccepted)
}

func readBody(r *http.Request) (string, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
