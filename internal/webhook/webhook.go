// Package webhook serves the HTTP surface of workersyncd: the GitHub push
// webhook, manual cycle triggers, status and metrics.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/report"
	"github.com/schaermu/workersyncd/internal/scheduler"
)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Trigger starts cycles and reports their state
type Trigger interface {
	Trigger(kind scheduler.Kind) bool
	Status() map[scheduler.Kind]scheduler.Status
}

// Records reads the last persisted cycle records
type Records interface {
	LastSync() (*report.SyncReport, error)
	LastBackup() (*report.BackupSummary, error)
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	LastSync   *report.SyncReport                  `json:"last_sync"`
	LastBackup *report.BackupSummary               `json:"last_backup"`
	Cycles     map[scheduler.Kind]scheduler.Status `json:"cycles"`
	Errors     []string                            `json:"errors,omitempty"`
}

// TriggerResponse is the body returned by the manual trigger endpoints
type TriggerResponse struct {
	Cycle    scheduler.Kind `json:"cycle"`
	Accepted bool           `json:"accepted"`
}

// Server implements the status and webhook HTTP server
type Server struct {
	cfg      *config.Config
	trigger  Trigger
	records  Records
	logger   *slog.Logger
	secret   []byte
	refs     []string
	debounce *debouncer
}

// debouncer collapses bursts of webhook deliveries into one trigger
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
}

// NewServer creates a new server. The webhook endpoint is only enabled when a
// secret file is configured.
func NewServer(cfg *config.Config, trigger Trigger, records Records, logger *slog.Logger) (*Server, error) {
	s := &Server{
		cfg:      cfg,
		trigger:  trigger,
		records:  records,
		logger:   logger,
		refs:     cfg.Serve.AllowedRefs,
		debounce: &debouncer{delay: 2 * time.Second},
	}

	if cfg.Serve.GitHubWebhookSecretFile != "" {
		secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read webhook secret: %w", err)
		}
		s.secret = []byte(strings.TrimSpace(string(secret)))
		if len(s.secret) == 0 {
			return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
		}
	}

	if len(s.refs) == 0 {
		s.refs = []string{"refs/heads/" + cfg.Repo.Branch}
	}

	return s, nil
}

// Handler returns the HTTP handler with all routes registered
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.secret != nil {
		mux.HandleFunc("POST /webhook", s.handleWebhook)
	}
	mux.HandleFunc("POST /sync", s.handleTrigger(scheduler.KindSync))
	mux.HandleFunc("POST /backup", s.handleTrigger(scheduler.KindBackup))
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve serves on ln until ctx is canceled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server starting", "addr", ln.Addr().String(), "webhook", s.secret != nil)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down status server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	}
}

// handleWebhook handles incoming GitHub webhook requests
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", contentType)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MB limit
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	switch eventType {
	case "ping":
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "pong\n")
		return
	case "push":
	default:
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for sync\n")
		return
	}

	var event GitHubPushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for sync\n")
		return
	}

	s.logger.Info("webhook accepted",
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.trigger.Trigger(scheduler.KindSync)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync scheduled\n")
}

// handleTrigger starts a cycle on demand. A cycle that is already running
// absorbs the request and 409 is returned.
func (s *Server) handleTrigger(kind scheduler.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, registered := s.trigger.Status()[kind]; !registered {
			http.Error(w, fmt.Sprintf("%s cycle is disabled", kind), http.StatusNotFound)
			return
		}

		accepted := s.trigger.Trigger(kind)
		s.logger.Info("manual trigger", "cycle", string(kind), "accepted", accepted, "remote", r.RemoteAddr)

		status := http.StatusAccepted
		if !accepted {
			status = http.StatusConflict
		}
		writeJSON(w, status, TriggerResponse{Cycle: kind, Accepted: accepted})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Cycles: s.trigger.Status()}

	lastSync, err := s.records.LastSync()
	switch {
	case err == nil:
		resp.LastSync = lastSync
	case !report.IsNoRecord(err):
		resp.Errors = append(resp.Errors, err.Error())
	}

	lastBackup, err := s.records.LastBackup()
	switch {
	case err == nil:
		resp.LastBackup = lastBackup
	case !report.IsNoRecord(err):
		resp.Errors = append(resp.Errors, err.Error())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ok\n")
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Constant-time comparison
	return hmac.Equal([]byte(hexSig), []byte(expected))
}

func (s *Server) isRefAllowed(ref string) bool {
	for _, allowed := range s.refs {
		if ref == allowed {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// trigger schedules fn to run after the debounce delay, replacing any
// pending call
func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
