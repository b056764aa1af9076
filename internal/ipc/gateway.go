// Package ipc implements the file-directory request/response protocol
// between the host and its sandboxes. Each group has a requests/
// directory the sandbox writes into and a results/ directory the host
// answers into; mount isolation guarantees a sandbox only ever sees
// its own pair.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/config"
	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/common/metrics"
	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/events/bus"
)

const (
	requestsDir = "requests"
	resultsDir  = "results"

	// maxInflightPerGroup bounds concurrent handler invocations for one
	// group's sweep so a burst of request files cannot fork unbounded
	// goroutines.
	maxInflightPerGroup = 4
)

// Request is one parsed request file. SourceGroup comes from the
// directory the file was found in, never from the file's own claims.
type Request struct {
	Type        string `json:"type"`
	RequestID   string `json:"requestId"`
	SourceGroup string `json:"-"`
	IsMain      bool   `json:"-"`

	// Raw is the complete request JSON for type-specific fields.
	Raw json.RawMessage `json:"-"`
}

// Bind unmarshals the type-specific fields into v.
func (r *Request) Bind(v interface{}) error {
	return json.Unmarshal(r.Raw, v)
}

// Handler answers one request. The returned map becomes the result
// fields next to "success": true; an error becomes {success:false}.
type Handler func(ctx context.Context, req *Request) (map[string]interface{}, error)

// Gateway watches every group's request directory and answers each
// recognized request exactly once.
type Gateway struct {
	cfg       config.IPCConfig
	mainGroup string
	clock     clock.Clock
	logger    *logger.Logger
	metrics   *metrics.Metrics
	bus       bus.EventBus

	mu       sync.Mutex
	handlers map[string]Handler
	seen     map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewGateway creates a gateway. mainGroup names the one privileged
// group; bus and m may be nil.
func NewGateway(cfg config.IPCConfig, mainGroup string, clk clock.Clock, log *logger.Logger, m *metrics.Metrics, b bus.EventBus) *Gateway {
	if clk == nil {
		clk = clock.New()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Gateway{
		cfg:       cfg,
		mainGroup: mainGroup,
		clock:     clk,
		logger:    log,
		metrics:   m,
		bus:       b,
		handlers:  make(map[string]Handler),
		seen:      make(map[string]struct{}),
	}
}

// RegisterHandler binds a handler to an exact request type. Duplicate
// registration is a programming error and is rejected so an ambiguous
// route is caught before the watcher ever runs.
func (g *Gateway) RegisterHandler(reqType string, h Handler) error {
	if reqType == "" || h == nil {
		return fmt.Errorf("handler registration requires a type and a function")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.handlers[reqType]; exists {
		return fmt.Errorf("handler already registered for type %q", reqType)
	}
	g.handlers[reqType] = h
	return nil
}

// Start launches the watcher loop. Stop cancels it.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			g.Sweep(ctx)
			if err := g.clock.Sleep(ctx, g.cfg.PollIntervalDuration()); err != nil {
				return
			}
		}
	}()

	g.logger.Info("IPC gateway started",
		zap.String("root", g.cfg.RootDir),
		zap.Duration("poll_interval", g.cfg.PollIntervalDuration()),
	)
}

// Stop cancels the watcher and waits for in-flight requests.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

// Sweep scans every group's request directory once. Exported so tests
// and the poll loop share one code path.
func (g *Gateway) Sweep(ctx context.Context) {
	groups, err := os.ReadDir(g.cfg.RootDir)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("Failed to read IPC root", zap.Error(err))
		}
		return
	}

	for _, group := range groups {
		if !group.IsDir() {
			continue
		}
		g.sweepGroup(ctx, group.Name())
	}
}

func (g *Gateway) sweepGroup(ctx context.Context, groupFolder string) {
	dir := filepath.Join(g.cfg.RootDir, groupFolder, requestsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	eg := new(errgroup.Group)
	eg.SetLimit(maxInflightPerGroup)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		g.mu.Lock()
		_, handled := g.seen[path]
		if !handled {
			g.seen[path] = struct{}{}
		}
		g.mu.Unlock()
		if handled {
			continue
		}

		eg.Go(func() error {
			g.process(ctx, groupFolder, path)
			return nil
		})
	}
	eg.Wait()
}

// process reads, routes, and answers one request file. Each request is
// independent: a failing or panicking handler still produces a
// {success:false} result and never stops the watcher.
func (g *Gateway) process(ctx context.Context, groupFolder, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		g.logger.Warn("Failed to read request file", zap.String("path", path), zap.Error(err))
		return
	}

	var envelope struct {
		Type      string `json:"type"`
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || !validRequestID(envelope.RequestID) {
		// No usable requestId means no way to answer: ignore entirely.
		g.logger.Warn("Ignoring request without usable requestId", zap.String("path", path))
		g.metrics.IPCRequestsTotal.WithLabelValues(envelope.Type, "ignored").Inc()
		return
	}

	g.mu.Lock()
	handler, ok := g.handlers[envelope.Type]
	g.mu.Unlock()
	if !ok {
		// Unroutable but well-formed: leave the file for inspection.
		g.logger.Warn("No handler for request type",
			zap.String("type", envelope.Type),
			zap.String("request_id", envelope.RequestID),
		)
		g.metrics.IPCRequestsTotal.WithLabelValues(envelope.Type, "unroutable").Inc()
		return
	}

	// The request is recognized and will be answered; consume the file.
	if err := os.Remove(path); err != nil {
		g.logger.Warn("Failed to remove request file", zap.String("path", path), zap.Error(err))
	}

	req := &Request{
		Type:        envelope.Type,
		RequestID:   envelope.RequestID,
		SourceGroup: groupFolder,
		IsMain:      groupFolder == g.mainGroup,
		Raw:         json.RawMessage(data),
	}

	result := g.invoke(ctx, handler, req)

	if err := g.writeResult(groupFolder, envelope.RequestID, result); err != nil {
		g.logger.Error("Failed to write result file",
			zap.String("request_id", envelope.RequestID), zap.Error(err))
		return
	}

	outcome := "ok"
	if success, _ := result["success"].(bool); !success {
		outcome = "failed"
	}
	g.metrics.IPCRequestsTotal.WithLabelValues(envelope.Type, outcome).Inc()

	if g.bus != nil {
		g.bus.Publish(ctx, events.Subject(events.IPCRequestHandled, groupFolder),
			bus.NewEvent(events.IPCRequestHandled, "ipc", map[string]interface{}{
				"group":      groupFolder,
				"request_id": envelope.RequestID,
				"type":       envelope.Type,
				"outcome":    outcome,
			}))
	}
}

// invoke runs the handler with panic recovery and folds the outcome
// into a result map.
func (g *Gateway) invoke(ctx context.Context, handler Handler, req *Request) (result map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("IPC handler panicked",
				zap.String("type", req.Type),
				zap.String("request_id", req.RequestID),
				zap.Any("panic", r),
			)
			result = map[string]interface{}{
				"success": false,
				"error":   fmt.Sprintf("internal error handling %s", req.Type),
			}
		}
	}()

	fields, err := handler(ctx, req)
	if err != nil {
		msg := err.Error()
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			msg = appErr.Message
		}
		return map[string]interface{}{"success": false, "error": msg}
	}

	result = map[string]interface{}{"success": true}
	for k, v := range fields {
		result[k] = v
	}
	return result
}

// requestIDPattern constrains a requestId to one safe path component.
// The id names the result file, so a separator or dot segment would
// let a sandbox steer the write outside its own results directory.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

func validRequestID(id string) bool {
	return id != "" && len(id) <= 128 && requestIDPattern.MatchString(id)
}

// writeResult writes the result to a temp file and renames it into
// place so a polling reader never sees partial JSON.
func (g *Gateway) writeResult(groupFolder, requestID string, result map[string]interface{}) error {
	dir := filepath.Join(g.cfg.RootDir, groupFolder, resultsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s-%s", requestID, uuid.New().String()[:8]))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, requestID+".json"))
}
