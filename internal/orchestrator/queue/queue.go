// Package queue coordinates sandbox lifecycles: one active sandbox per
// group, a global concurrency cap, buffered input for groups waiting
// on a slot, and idle teardown.
package queue

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/burrowhq/burrow/internal/common/clock"
	"github.com/burrowhq/burrow/internal/common/config"
	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/common/metrics"
	"github.com/burrowhq/burrow/internal/events"
	"github.com/burrowhq/burrow/internal/events/bus"
	"github.com/burrowhq/burrow/internal/sandbox/policy"
	"github.com/burrowhq/burrow/internal/sandbox/runner"
	"github.com/burrowhq/burrow/internal/sandbox/stream"
	"github.com/burrowhq/burrow/internal/store"
	v1 "github.com/burrowhq/burrow/pkg/api/v1"
)

// Spawner is the slice of the runner the queue depends on.
type Spawner interface {
	Run(ctx context.Context, inv v1.Invocation, mounts []policy.MountSpec, opts runner.RunOptions) (*runner.Handle, error)
}

// entry is the per-group queue state. Guarded by GroupQueue.mu along
// with the global slot counter, so the single-flight and max
// concurrency invariants are checked atomically.
type entry struct {
	group        *v1.RegisteredGroup
	state        v1.GroupState
	handle       *runner.Handle
	pendingInput []string
	lastActivity time.Time
	idleTimer    clock.Timer
	graceTimer   clock.Timer
	startedAt    time.Time
	timedOut     bool
}

// GroupQueue enforces per-group single flight and the global
// concurrency cap.
type GroupQueue struct {
	cfg     config.SandboxConfig
	ipcRoot string
	spawner Spawner
	store   store.Store
	bus     bus.EventBus
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *logger.Logger

	mu      sync.Mutex
	entries map[string]*entry // keyed by chat JID
	active  int
	pending []string // chat JIDs waiting for a free slot, FIFO

	wg sync.WaitGroup
}

// New creates a GroupQueue. bus and m may be nil.
func New(cfg config.SandboxConfig, ipcRoot string, spawner Spawner, st store.Store, b bus.EventBus, m *metrics.Metrics, clk clock.Clock, log *logger.Logger) *GroupQueue {
	if m == nil {
		m = metrics.New(nil)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &GroupQueue{
		cfg:     cfg,
		ipcRoot: ipcRoot,
		spawner: spawner,
		store:   st,
		bus:     b,
		metrics: m,
		clock:   clk,
		logger:  log,
		entries: make(map[string]*entry),
	}
}

// EnqueueMessageCheck starts a sandbox for the group if it is idle and
// a slot is free. Already starting or running groups are a no-op; a
// full system marks the group pending and retries on every exit.
func (q *GroupQueue) EnqueueMessageCheck(ctx context.Context, chatJID string) error {
	e, err := q.ensureEntry(ctx, chatJID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	switch e.state {
	case v1.GroupStateIdle, v1.GroupStateKilled:
	default:
		// Coalesced: the running sandbox will consume pending input.
		return nil
	}

	if q.active >= q.cfg.MaxConcurrent {
		q.markPendingLocked(chatJID)
		q.logger.Debug("No free slot, group pending",
			zap.String("chat_jid", chatJID), zap.Int("active", q.active))
		return nil
	}

	q.startLocked(chatJID, e)
	return nil
}

// Deliver routes one inbound message: piped to a running sandbox when
// possible, otherwise buffered as (part of) the next initial prompt.
func (q *GroupQueue) Deliver(ctx context.Context, chatJID, text string) error {
	if q.SendMessage(chatJID, text) {
		return nil
	}

	e, err := q.ensureEntry(ctx, chatJID)
	if err != nil {
		return err
	}

	q.mu.Lock()
	e.pendingInput = append(e.pendingInput, text)
	q.mu.Unlock()

	return q.EnqueueMessageCheck(ctx, chatJID)
}

// SendMessage writes text to the group's running sandbox. Returns
// false when there is no running sandbox to receive it; the caller
// falls back to Deliver-style buffering. Writes for one group happen
// under the queue lock, preserving arrival order.
func (q *GroupQueue) SendMessage(chatJID, text string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[chatJID]
	if !ok || e.state != v1.GroupStateRunning {
		return false
	}

	if err := e.handle.WriteLine(text); err != nil {
		q.logger.Warn("Failed to write to sandbox stdin",
			zap.String("chat_jid", chatJID), zap.Error(err))
		return false
	}

	e.lastActivity = q.clock.Now()
	if e.idleTimer != nil {
		e.idleTimer.Reset(q.cfg.IdleTimeoutDuration())
	}
	return true
}

// CloseStdin asks the group's sandbox to finish its turn and exit,
// used for resets and configuration changes. The exit itself is
// cooperative; the grace timer enforces it.
func (q *GroupQueue) CloseStdin(chatJID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[chatJID]
	if !ok || e.state != v1.GroupStateRunning {
		return apperrors.BadRequest("group has no running sandbox")
	}
	q.drainLocked(chatJID, e)
	return nil
}

// Status reports one group's queue state.
func (q *GroupQueue) Status(chatJID string) (*v1.GroupStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[chatJID]
	if !ok {
		return nil, apperrors.NotFound("group", chatJID)
	}
	return q.statusLocked(chatJID, e), nil
}

// StatusAll reports every known group.
func (q *GroupQueue) StatusAll() []*v1.GroupStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*v1.GroupStatus, 0, len(q.entries))
	for jid, e := range q.entries {
		out = append(out, q.statusLocked(jid, e))
	}
	return out
}

func (q *GroupQueue) statusLocked(chatJID string, e *entry) *v1.GroupStatus {
	return &v1.GroupStatus{
		JID:          chatJID,
		Folder:       e.group.Folder,
		State:        e.state,
		PendingInput: len(e.pendingInput),
		LastActivity: e.lastActivity,
	}
}

// Shutdown drains every sandbox and waits for their exits.
func (q *GroupQueue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	for jid, e := range q.entries {
		if e.state == v1.GroupStateRunning {
			q.drainLocked(jid, e)
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.logger.Warn("Shutdown deadline hit with sandboxes still live")
	}
}

// ensureEntry resolves the group and creates its entry lazily.
func (q *GroupQueue) ensureEntry(ctx context.Context, chatJID string) (*entry, error) {
	q.mu.Lock()
	if e, ok := q.entries[chatJID]; ok {
		q.mu.Unlock()
		return e, nil
	}
	q.mu.Unlock()

	group, err := q.store.GetGroupByJID(ctx, chatJID)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[chatJID]; ok {
		return e, nil
	}
	e := &entry{group: group, state: v1.GroupStateIdle, lastActivity: q.clock.Now()}
	q.entries[chatJID] = e
	return e, nil
}

func (q *GroupQueue) markPendingLocked(chatJID string) {
	for _, jid := range q.pending {
		if jid == chatJID {
			return
		}
	}
	q.pending = append(q.pending, chatJID)
}

// startLocked claims a slot and transitions to STARTING. Both checks
// happened under the lock the caller holds, so the invariants hold.
func (q *GroupQueue) startLocked(chatJID string, e *entry) {
	e.state = v1.GroupStateStarting
	e.timedOut = false
	q.active++
	q.metrics.ActiveSandboxes.Set(float64(q.active))

	prompt := strings.Join(e.pendingInput, "\n")
	e.pendingInput = nil

	// The sandbox outlives the request that triggered it.
	q.wg.Add(1)
	go q.spawn(context.Background(), chatJID, e, prompt)
}

// spawn runs outside the lock: store lookups and process creation are
// slow I/O.
func (q *GroupQueue) spawn(ctx context.Context, chatJID string, e *entry, prompt string) {
	defer q.wg.Done()

	group := e.group
	sessionID, err := q.store.GetSession(ctx, group.Folder)
	if err != nil {
		q.logger.Warn("Failed to load session", zap.String("folder", group.Folder), zap.Error(err))
	}

	inv := v1.Invocation{
		GroupFolder: group.Folder,
		ChatJID:     chatJID,
		SessionID:   sessionID,
		IsMain:      group.Folder == q.cfg.MainGroup,
		Prompt:      prompt,
	}

	opts := runner.RunOptions{
		OnChunk:   func(c stream.Chunk) { q.onChunk(ctx, chatJID, c) },
		OnTimeout: func(kind stream.TimeoutKind) { q.onTimeout(ctx, chatJID, kind) },
	}
	if group.ContainerConfig != nil {
		opts.ProfileID = group.ContainerConfig.Profile
		inv.Model = group.ContainerConfig.Model
	}

	handle, err := q.spawner.Run(ctx, inv, q.mountsFor(group), opts)
	if err != nil {
		q.logger.Error("Sandbox start failed",
			zap.String("chat_jid", chatJID), zap.Error(err))
		if apperrors.IsMountRejected(err) {
			q.publish(ctx, events.MountRejectedEvent, group.Folder, map[string]interface{}{"error": err.Error()})
		}

		q.mu.Lock()
		e.state = v1.GroupStateKilled
		q.releaseLocked(chatJID, e)
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	e.handle = handle
	e.state = v1.GroupStateRunning
	e.startedAt = q.clock.Now()
	e.lastActivity = e.startedAt
	e.idleTimer = q.clock.AfterFunc(q.cfg.IdleTimeoutDuration(), func() { q.onIdle(chatJID) })
	// Messages that arrived while the spawn was in flight go straight
	// to the new sandbox instead of waiting for the next run.
	buffered := e.pendingInput
	e.pendingInput = nil
	for i, text := range buffered {
		if err := e.handle.WriteLine(text); err != nil {
			q.logger.Warn("Failed to flush buffered input",
				zap.String("chat_jid", chatJID), zap.Error(err))
			e.pendingInput = append(e.pendingInput, buffered[i:]...)
			break
		}
		e.lastActivity = q.clock.Now()
	}
	q.mu.Unlock()

	q.publish(ctx, events.SandboxStarted, group.Folder, map[string]interface{}{
		"sandbox_id": handle.Process.ID(),
	})

	q.wg.Add(1)
	go q.await(ctx, chatJID, e)
}

// await blocks on process exit and releases everything the sandbox
// held, whatever the exit looked like.
func (q *GroupQueue) await(ctx context.Context, chatJID string, e *entry) {
	defer q.wg.Done()

	exitCode, err := e.handle.Process.Wait(context.Background())
	if err != nil {
		q.logger.Warn("Sandbox wait failed", zap.String("chat_jid", chatJID), zap.Error(err))
	}

	if sessionID := e.handle.Parser.SessionID(); sessionID != "" {
		if err := q.store.SetSession(ctx, e.group.Folder, sessionID); err != nil {
			q.logger.Warn("Failed to persist session", zap.String("folder", e.group.Folder), zap.Error(err))
		}
	}

	e.handle.Process.Close()
	e.handle.Parser.Close()

	q.mu.Lock()
	timedOut := e.timedOut
	killed := e.state == v1.GroupStateKilled
	q.metrics.TurnDuration.Observe(q.clock.Now().Sub(e.startedAt).Seconds())
	q.releaseLocked(chatJID, e)
	q.mu.Unlock()

	subject := events.SandboxExited
	if timedOut {
		subject = events.SandboxTimedOut
	} else if killed {
		subject = events.SandboxKilled
	}
	q.publish(ctx, subject, e.group.Folder, map[string]interface{}{
		"exit_code": exitCode,
	})

	q.logger.Info("Sandbox exited",
		zap.String("chat_jid", chatJID),
		zap.Int64("exit_code", exitCode),
		zap.Bool("timed_out", timedOut),
	)
}

// releaseLocked frees the slot and the entry state, then sweeps the
// pending list. A crashed or hung sandbox must never hold a slot, so
// this is the single exit path for every outcome.
func (q *GroupQueue) releaseLocked(chatJID string, e *entry) {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.handle = nil
	e.state = v1.GroupStateIdle
	q.active--
	q.metrics.ActiveSandboxes.Set(float64(q.active))

	// Input buffered during drain or teardown must not be stranded:
	// start a fresh sandbox for it, or queue the group if we are full.
	if len(e.pendingInput) > 0 {
		if q.active < q.cfg.MaxConcurrent {
			q.startLocked(chatJID, e)
		} else {
			q.markPendingLocked(chatJID)
		}
	}

	// Slot freed: admit pending groups in arrival order.
	for q.active < q.cfg.MaxConcurrent && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		if pe, ok := q.entries[next]; ok && pe.state == v1.GroupStateIdle {
			q.startLocked(next, pe)
		}
	}
}

// onChunk runs on the parser's dispatch goroutine, in order.
func (q *GroupQueue) onChunk(ctx context.Context, chatJID string, c stream.Chunk) {
	q.mu.Lock()
	e, ok := q.entries[chatJID]
	if ok {
		e.lastActivity = q.clock.Now()
		if e.idleTimer != nil {
			e.idleTimer.Reset(q.cfg.IdleTimeoutDuration())
		}
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	q.publish(ctx, events.SandboxChunk, e.group.Folder, map[string]interface{}{
		"type": c.Type,
		"raw":  string(c.Raw),
	})
}

// onTimeout is the one path that force-kills a sandbox.
func (q *GroupQueue) onTimeout(ctx context.Context, chatJID string, kind stream.TimeoutKind) {
	q.metrics.TimeoutsTotal.WithLabelValues(string(kind)).Inc()

	q.mu.Lock()
	e, ok := q.entries[chatJID]
	if !ok || e.handle == nil {
		q.mu.Unlock()
		return
	}
	e.timedOut = true
	e.state = v1.GroupStateKilled
	handle := e.handle
	q.mu.Unlock()

	q.logger.Warn("Sandbox timed out, killing",
		zap.String("chat_jid", chatJID), zap.String("kind", string(kind)))
	if err := handle.Process.Kill(context.Background()); err != nil {
		q.logger.Error("Failed to kill timed out sandbox", zap.Error(err))
	}
}

// onIdle fires after the idle window with no input and no chunks.
func (q *GroupQueue) onIdle(chatJID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[chatJID]
	if !ok || e.state != v1.GroupStateRunning {
		return
	}
	q.logger.Info("Idle timeout, draining sandbox", zap.String("chat_jid", chatJID))
	q.drainLocked(chatJID, e)
}

// drainLocked closes stdin and arms the grace timer for a hard kill.
func (q *GroupQueue) drainLocked(chatJID string, e *entry) {
	e.state = v1.GroupStateDraining
	if err := e.handle.CloseStdin(); err != nil {
		q.logger.Warn("Failed to close sandbox stdin",
			zap.String("chat_jid", chatJID), zap.Error(err))
	}
	e.graceTimer = q.clock.AfterFunc(q.cfg.GraceTimeoutDuration(), func() { q.onGraceExpired(chatJID) })
}

// onGraceExpired hard-kills a sandbox that did not exit after drain.
func (q *GroupQueue) onGraceExpired(chatJID string) {
	q.mu.Lock()
	e, ok := q.entries[chatJID]
	if !ok || e.state != v1.GroupStateDraining || e.handle == nil {
		q.mu.Unlock()
		return
	}
	e.state = v1.GroupStateKilled
	handle := e.handle
	q.mu.Unlock()

	q.logger.Warn("Grace period expired, killing sandbox", zap.String("chat_jid", chatJID))
	if err := handle.Process.Kill(context.Background()); err != nil {
		q.logger.Error("Failed to kill draining sandbox", zap.Error(err))
	}
}

// mountsFor builds the standard mounts: the group workspace and its
// IPC directory. Policy validation happens in the runner.
func (q *GroupQueue) mountsFor(group *v1.RegisteredGroup) []policy.MountSpec {
	return []policy.MountSpec{
		{HostPath: filepath.Join(q.cfg.DataDir, group.Folder), ContainerPath: "data"},
		{HostPath: filepath.Join(q.ipcRoot, group.Folder), ContainerPath: "ipc"},
	}
}

func (q *GroupQueue) publish(ctx context.Context, subject, folder string, data map[string]interface{}) {
	if q.bus == nil {
		return
	}
	data["group"] = folder
	q.bus.Publish(ctx, events.Subject(subject, folder), bus.NewEvent(subject, "queue", data))
}
