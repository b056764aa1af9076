package router

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/burrowhq/burrow/internal/common/errors"
	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/store"
)

// Message is one inbound chat message.
type Message struct {
	ID      string
	Sender  string
	Content string
}

// Deliverer is the slice of the group queue the dispatcher depends on.
type Deliverer interface {
	Deliver(ctx context.Context, chatJID, text string) error
}

// Dispatcher applies the trigger policy to inbound batches and forwards
// what passes to the group queue. Read positions are persisted per
// channel so a restart resumes where it left off.
type Dispatcher struct {
	store     store.Store
	queue     Deliverer
	mainGroup string
	logger    *logger.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(st store.Store, q Deliverer, mainGroup string, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		store:     st,
		queue:     q,
		mainGroup: mainGroup,
		logger:    log.WithFields(zap.String("component", "router")),
	}
}

// HandleBatch routes one channel's new messages. Messages from
// unregistered channels are dropped. A batch that fails the trigger
// check still advances the cursor; those messages are seen, not queued.
func (d *Dispatcher) HandleBatch(ctx context.Context, chatJID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	group, err := d.store.GetGroupByJID(ctx, chatJID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			d.logger.Debug("Dropping messages for unregistered channel",
				zap.String("chat_jid", chatJID), zap.Int("count", len(msgs)))
			return nil
		}
		return err
	}

	isMain := group.Folder == d.mainGroup
	contents := make([]string, len(msgs))
	for i, m := range msgs {
		contents[i] = m.Content
	}

	if ShouldProcess(isMain, group.RequiresTrigger, group.TriggerPattern, contents) {
		for _, m := range msgs {
			text := m.Content
			if m.Sender != "" {
				text = m.Sender + ": " + m.Content
			}
			if err := d.queue.Deliver(ctx, chatJID, text); err != nil {
				return err
			}
		}
	}

	last := msgs[len(msgs)-1]
	if err := d.store.SetCursor(ctx, chatJID, last.ID); err != nil {
		d.logger.Warn("Failed to persist cursor",
			zap.String("chat_jid", chatJID), zap.Error(err))
	}
	return nil
}

// Cursor returns the channel's persisted read position.
func (d *Dispatcher) Cursor(ctx context.Context, chatJID string) (string, error) {
	return d.store.GetCursor(ctx, chatJID)
}
