// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"cmdbox/internal/broker"
	"cmdbox/internal/config"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/logger"
	"cmdbox/internal/stream"
)

// APIServer exposes the dispatcher over HTTP
type APIServer struct {
	broker    *broker.Broker
	config    *config.Config
	journal   *Journal
	clients   *lru.Cache[string, *dispatch.Client]
	mutex     sync.Mutex
	closing   sync.WaitGroup
	logger    zerolog.Logger
	server    *http.Server
	startTime time.Time
}

// NewAPIServer creates a new API server. journal may be nil.
func NewAPIServer(b *broker.Broker, cfg *config.Config, journal *Journal) *APIServer {
	api := &APIServer{
		broker:    b,
		config:    cfg,
		journal:   journal,
		logger:    logger.Component("gateway"),
		startTime: time.Now(),
	}

	size := cfg.Gateway.MaxClients
	if size <= 0 {
		size = config.DefaultGatewayClients
	}
	// only fails for a non-positive size
	api.clients, _ = lru.NewWithEvict(size, api.evictClient)
	return api
}

// evictClient drains the no-wait pushes of a client dropped from the cache
func (api *APIServer) evictClient(name string, client *dispatch.Client) {
	api.closing.Add(1)
	go func() {
		defer api.closing.Done()
		if err := client.Close(); err != nil {
			api.logger.Warn().Str("service", name).Err(err).Msg("Evicted client failed to drain")
		}
	}()
}

// Router builds the HTTP handler
func (api *APIServer) Router() http.Handler {
	router := mux.NewRouter()

	// Add middleware
	router.Use(api.loggingMiddleware)
	router.Use(api.corsMiddleware)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/health", api.handleHealth).Methods("GET")
	apiRouter.HandleFunc("/services", api.handleListServices).Methods("GET")
	apiRouter.HandleFunc("/services/{name}/commands", api.handleSendCommand).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/services/{name}/stream", api.handleStreamReceive).Methods("GET")
	apiRouter.HandleFunc("/services/{name}/stream", api.handleStreamSend).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/journal", api.handleJournal).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// Start starts the HTTP API server and blocks until it stops
func (api *APIServer) Start(address string) error {
	api.server = &http.Server{
		Addr:         address,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: api.config.Timeout() + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	api.logger.Info().
		Str("address", address).
		Str("broker", api.broker.Addr()).
		Msg("Starting API server")

	if err := api.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down and drains background pushes of every client
func (api *APIServer) Stop(ctx context.Context) error {
	var errs error
	if api.server != nil {
		errs = multierr.Append(errs, api.server.Shutdown(ctx))
	}

	// purging hands every client to evictClient, which drains it
	api.mutex.Lock()
	api.clients.Purge()
	api.mutex.Unlock()

	api.closing.Wait()
	return errs
}

// client returns the cached dispatcher for a service. At most
// Gateway.MaxClients dispatchers are kept; the least recently used one is
// closed when a new service pushes it out.
func (api *APIServer) client(name string) *dispatch.Client {
	api.mutex.Lock()
	defer api.mutex.Unlock()

	if c, ok := api.clients.Get(name); ok {
		return c
	}
	c := dispatch.NewClient(api.broker, name, dispatch.WithNoWaitWorkers(api.config.Client.NoWaitWorkers))
	api.clients.Add(name, c)
	return c
}

// known reports whether a heartbeat exists for name. Broker errors count as
// known so the dispatcher reports them with its own retries.
func (api *APIServer) known(ctx context.Context, name string) bool {
	ok, err := dispatch.NewHeartbeatRegistry(api.broker).Registered(ctx, name)
	if err != nil {
		api.logger.Debug().Str("service", name).Err(err).Msg("Heartbeat lookup failed")
		return true
	}
	return ok
}

// Middleware
func (api *APIServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		api.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}

func (api *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Response helpers
func (api *APIServer) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (api *APIServer) sendError(w http.ResponseWriter, status int, message string) {
	api.sendJSON(w, status, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (api *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "ok",
		"broker":    api.broker.Addr(),
		"uptime":    time.Since(api.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := api.broker.Ping(r.Context()); err != nil {
		status["status"] = "unavailable"
		status["reason"] = err.Error()
		api.sendJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	api.sendJSON(w, http.StatusOK, status)
}

func (api *APIServer) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := dispatch.NewHeartbeatRegistry(api.broker).ListServices(r.Context())
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to list services")
		api.sendError(w, http.StatusBadGateway, fmt.Sprintf("Redis server %s is unreachable.", api.broker.Addr()))
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"services": services,
		"count":    len(services),
	})
}

// commandRequest is the body of POST /services/{name}/commands
type commandRequest struct {
	Command    string   `json:"command"`
	Params     []string `json:"params"`
	TimeoutSec *float64 `json:"timeout_sec"`
	RetryCount *int     `json:"retry_count"`
	NoWait     bool     `json:"nowait"`
}

func (api *APIServer) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Command == "" {
		api.sendError(w, http.StatusBadRequest, "Command is required")
		return
	}

	opts := dispatch.SendOptionsFromConfig(api.config)
	opts.NoWait = req.NoWait
	if req.TimeoutSec != nil {
		opts.Timeout = time.Duration(*req.TimeoutSec * float64(time.Second))
	}
	if req.RetryCount != nil {
		opts.RetryCount = *req.RetryCount
	}

	start := time.Now()
	var reply *dispatch.Reply
	if api.known(r.Context(), name) {
		reply = api.client(name).SendCommand(r.Context(), req.Command, req.Params, opts)
	} else {
		// no dispatcher is created for names without a heartbeat
		reply = dispatch.ErrorReply("Service '%s' not found.", name)
	}
	elapsed := time.Since(start)

	outcome := reply.Kind()
	if reply == nil {
		outcome = "nowait"
	}
	api.record(r.Context(), JournalEntry{
		Service:     name,
		Command:     req.Command,
		Params:      req.Params,
		Outcome:     outcome,
		Message:     reply.Message(),
		RoundTripMs: elapsed.Milliseconds(),
	})

	switch outcome {
	case "nowait":
		api.sendJSON(w, http.StatusAccepted, map[string]interface{}{
			"queued":  true,
			"service": name,
			"command": req.Command,
		})
	case dispatch.KindError:
		api.sendJSON(w, http.StatusBadGateway, reply)
	default:
		api.sendJSON(w, http.StatusOK, reply)
	}
}

func (api *APIServer) record(ctx context.Context, entry JournalEntry) {
	if api.journal == nil {
		return
	}
	if _, err := api.journal.Record(context.WithoutCancel(ctx), entry); err != nil {
		api.logger.Warn().Err(err).Msg("Failed to record dispatch")
	}
}

// imageResponse is the JSON form of a received image frame
type imageResponse struct {
	Height   int    `json:"height"`
	Width    int    `json:"width"`
	Channels int    `json:"channels"`
	Name     string `json:"name"`
	PNG      []byte `json:"png"`
}

func (api *APIServer) handleStreamReceive(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	frame, err := stream.New(api.broker, name).Receive(r.Context())
	if err != nil {
		api.logger.Error().Str("service", name).Err(err).Msg("Failed to receive stream frame")
		api.sendError(w, http.StatusBadGateway, err.Error())
		return
	}
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := map[string]interface{}{"cmd": frame.Command}
	switch frame.Command {
	case stream.CmdText:
		body["text"] = frame.Text
	case stream.CmdOutputs:
		body["outputs"] = frame.Outputs
	case stream.CmdImage:
		body["image"] = imageResponse{
			Height:   frame.Image.Height,
			Width:    frame.Image.Width,
			Channels: frame.Image.Channels,
			Name:     frame.Image.Name,
			PNG:      frame.Image.PNG,
		}
	}
	api.sendJSON(w, http.StatusOK, body)
}

// streamRequest is the body of POST /services/{name}/stream. PNG is base64
// in JSON.
type streamRequest struct {
	Cmd     string      `json:"cmd"`
	Text    string      `json:"text"`
	Outputs interface{} `json:"outputs"`
	PNG     []byte      `json:"png"`
	Name    string      `json:"name"`
}

func (api *APIServer) handleStreamSend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.sendError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var payload interface{}
	switch req.Cmd {
	case stream.CmdText:
		payload = req.Text
	case stream.CmdOutputs:
		payload = req.Outputs
	case stream.CmdImage:
		decoded, err := png.Decode(bytes.NewReader(req.PNG))
		if err != nil {
			api.sendError(w, http.StatusBadRequest, "Invalid PNG image")
			return
		}
		payload = stream.FromImage(decoded, req.Name)
	default:
		// the streamer answers unknown commands with a warning
		payload = req.Text
	}

	reply := stream.New(api.broker, name).Send(r.Context(), req.Cmd, payload, api.config.Stream.MaxRecordSize)
	switch reply.Kind() {
	case dispatch.KindSuccess:
		api.sendJSON(w, http.StatusOK, reply)
	case dispatch.KindWarn:
		api.sendJSON(w, http.StatusConflict, reply)
	default:
		api.sendJSON(w, http.StatusBadGateway, reply)
	}
}

func (api *APIServer) handleJournal(w http.ResponseWriter, r *http.Request) {
	if api.journal == nil {
		api.sendError(w, http.StatusNotFound, "Journal is disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			api.sendError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	entries, err := api.journal.Recent(r.Context(), r.URL.Query().Get("service"), limit)
	if err != nil {
		api.logger.Error().Err(err).Msg("Failed to read journal")
		api.sendError(w, http.StatusInternalServerError, "Failed to read journal")
		return
	}
	api.sendJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
