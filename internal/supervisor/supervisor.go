// Package supervisor controls the supervised generation service: restarting it,
// checking whether it runs, and probing its health and stats endpoints.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/schaermu/workersyncd/internal/config"
	"github.com/schaermu/workersyncd/internal/fault"
)

// maxPayloadBytes bounds how much of a health or stats response is kept
const maxPayloadBytes = 1 << 20

// Supervisor provides operations on the supervised service
type Supervisor interface {
	// Restart restarts the service and waits for the restart command to finish
	Restart(ctx context.Context) error
	// IsRunning reports whether the service is currently active
	IsRunning(ctx context.Context) bool
	// Health fetches the service health document
	Health(ctx context.Context) Snapshot
	// Stats fetches the service statistics document
	Stats(ctx context.Context) Snapshot
}

// Snapshot is the result of probing a service endpoint.
// Payload holds the raw JSON body when the endpoint was reachable.
type Snapshot struct {
	Reachable bool
	Payload   json.RawMessage
	Detail    string
}

// Document returns the JSON stored in backups: the payload itself, or a
// placeholder describing why the endpoint could not be read.
func (s Snapshot) Document() []byte {
	if s.Reachable {
		return s.Payload
	}
	doc, _ := json.Marshal(map[string]string{"error": "unreachable", "detail": s.Detail})
	return doc
}

// Runner executes an external command and returns its combined output
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Client implements Supervisor with systemctl --user (or a configured
// restart command) and plain HTTP GETs for health and stats.
type Client struct {
	unit           string
	restartCommand []string
	healthURL      string
	statsURL       string
	timeout        time.Duration
	http           *http.Client
	run            Runner
	logger         *slog.Logger
}

// New creates a supervisor client from the service configuration
func New(cfg config.ServiceConfig, logger *slog.Logger) *Client {
	return &Client{
		unit:           cfg.Unit,
		restartCommand: cfg.RestartCommand,
		healthURL:      cfg.HealthURL,
		statsURL:       cfg.StatsURL,
		timeout:        cfg.Timeout,
		http:           &http.Client{Timeout: cfg.Timeout},
		run:            execRunner,
		logger:         logger,
	}
}

// WithRunner replaces the command runner used for systemctl and restart commands
func (c *Client) WithRunner(run Runner) *Client {
	c.run = run
	return c
}

// Restart restarts the service. A configured restart command takes precedence
// over the systemd unit.
func (c *Client) Restart(ctx context.Context) error {
	var name string
	var args []string
	switch {
	case len(c.restartCommand) > 0:
		name, args = c.restartCommand[0], c.restartCommand[1:]
	case c.unit != "":
		name, args = "systemctl", []string{"--user", "restart", c.unit}
	default:
		return fault.New(fault.ConfigurationMissing, "restart", fmt.Errorf("no service unit or restart command configured"))
	}

	c.logger.Info("restarting service", "command", strings.Join(append([]string{name}, args...), " "))
	output, err := c.run(ctx, name, args...)
	if err != nil {
		return fault.New(fault.SupervisorUnreachable, "restart",
			fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(output))))
	}
	return nil
}

// IsRunning asks systemd whether the unit is active. Without a unit, a
// reachable health endpoint counts as running.
func (c *Client) IsRunning(ctx context.Context) bool {
	if c.unit != "" {
		// is-active exits non-zero for inactive units; only the printed state matters
		output, _ := c.run(ctx, "systemctl", "--user", "is-active", c.unit)
		return strings.TrimSpace(string(output)) == "active"
	}
	if c.healthURL != "" {
		return c.Health(ctx).Reachable
	}
	return false
}

// Health fetches the configured health endpoint
func (c *Client) Health(ctx context.Context) Snapshot {
	return c.probe(ctx, "health", c.healthURL)
}

// Stats fetches the configured stats endpoint
func (c *Client) Stats(ctx context.Context) Snapshot {
	return c.probe(ctx, "stats", c.statsURL)
}

func (c *Client) probe(ctx context.Context, name, url string) Snapshot {
	if url == "" {
		return Snapshot{Detail: name + " endpoint not configured"}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	payload, err := c.get(ctx, url)
	if err != nil {
		c.logger.Warn("service endpoint unreachable", "endpoint", name, "url", url, "error", err)
		return Snapshot{Detail: err.Error()}
	}
	return Snapshot{Reachable: true, Payload: payload}
}

func (c *Client) get(ctx context.Context, url string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fault.New(fault.ConfigurationMissing, "probe", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fault.New(fault.SupervisorUnreachable, "probe", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, fault.New(fault.SupervisorUnreachable, "probe", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.SupervisorUnreachable, "probe",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	// Non-JSON bodies are kept as a JSON string so the stored document stays valid
	if !json.Valid(body) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(body)})
		return wrapped, nil
	}
	return body, nil
}
