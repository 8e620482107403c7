// Package syncer implements the incremental-sync coordinator: cursor-driven
// catch-up against the server, one batched round trip for many conversations,
// with per-conversation backlog draining.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lmonteiro/parley/internal/bus"
	"github.com/lmonteiro/parley/internal/gateway"
	"github.com/lmonteiro/parley/internal/status"
	"github.com/lmonteiro/parley/internal/store"
	"go.uber.org/zap"
)

// SyncClient is the slice of the gateway the coordinator needs.
type SyncClient interface {
	Sync(ctx context.Context, req gateway.SyncRequest) (*gateway.SyncResponse, error)
}

// Result reports what a sync pass changed. It is also the payload of the
// sync.completed and sync.failed bus events, so subscribers holding an open
// timeline can fold the backfilled conversations back in.
type Result struct {
	Updated         map[string]struct{}
	NewMessageCount int
}

// Coordinator drives incremental sync. Sync runs on initial hydration, on
// every disconnected→connected edge of the push channel, and on explicit
// refresh. It deliberately does not run after local sends: the push channel
// is the delivery path for one's own sequence numbers, sync exists for
// backfill.
type Coordinator struct {
	db      *store.DB
	client  SyncClient
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	// One batch sync at a time; a second caller gets an empty result
	// instead of queueing.
	syncing atomic.Bool
	cancel  context.CancelFunc
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(db *store.DB, client SyncClient, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:      db,
		client:  client,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start subscribes to connectivity edges so every reconnect closes the gap
// opened by the outage.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	ch, unsub := c.bus.Subscribe("conn.up", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				if _, err := c.SyncAll(ctx); err != nil {
					c.logger.Error("backfill sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the coordinator.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// SyncAll syncs every known conversation and, when the daemon was in its
// post-connect catch-up, marks it ready.
func (c *Coordinator) SyncAll(ctx context.Context) (*Result, error) {
	convs, err := c.db.ListConversations(500, 0)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	refs := make([]gateway.ConversationRef, 0, len(convs))
	for _, conv := range convs {
		refs = append(refs, gateway.ConversationRef{ID: conv.ID, Kind: conv.Kind, Cursor: conv.Cursor})
	}

	res, err := c.Sync(ctx, refs)
	if err == nil && c.machine != nil && c.machine.Current() == status.Syncing {
		_ = c.machine.Transition(status.Ready)
	}
	return res, err
}

// Sync runs one batched incremental-sync pass over the given conversations.
// A call arriving while another pass is in flight is a no-op returning an
// empty result. Failures are isolated per conversation: one conversation's
// error never blocks the rest of the batch, and a failed conversation keeps
// its cursor so the next trigger retries it.
func (c *Coordinator) Sync(ctx context.Context, refs []gateway.ConversationRef) (*Result, error) {
	res := &Result{Updated: make(map[string]struct{})}
	if len(refs) == 0 {
		return res, nil
	}
	if !c.syncing.CompareAndSwap(false, true) {
		return res, nil
	}
	defer c.syncing.Store(false)

	req := gateway.SyncRequest{Conversations: refs}
	resp, err := c.client.Sync(ctx, req)
	if err != nil {
		c.bus.Publish(bus.Event{Kind: "sync.failed", Timestamp: time.Now(), Payload: err.Error()})
		return res, fmt.Errorf("sync request: %w", err)
	}

	kinds := make(map[string]string, len(refs))
	for _, ref := range refs {
		kinds[ref.ID] = ref.Kind
	}

	var convErrs []error
	for _, diff := range resp.Conversations {
		applied, err := c.applyDiff(ctx, diff, kinds[diff.ID])
		if err != nil {
			c.logger.Error("sync apply failed", zap.Error(err), zap.String("conversation", diff.ID))
			convErrs = append(convErrs, fmt.Errorf("conversation %s: %w", diff.ID, err))
			continue
		}
		if applied > 0 {
			res.Updated[diff.ID] = struct{}{}
			res.NewMessageCount += applied
		}
	}

	// A partially failed pass still carries the conversations that did
	// apply, but under sync.failed so subscribers never mistake it for a
	// clean catch-up.
	kind := "sync.completed"
	if len(convErrs) > 0 {
		kind = "sync.failed"
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: res})
	return res, errors.Join(convErrs...)
}

// applyDiff persists one conversation's diff and drains its backlog with
// follow-up single-conversation requests until hasMore is false. Messages are
// written before the cursor advances: a crash between the two steps causes a
// re-fetch, never a loss.
func (c *Coordinator) applyDiff(ctx context.Context, diff gateway.ConversationDiff, kind string) (int, error) {
	if kind == "" {
		kind = store.KindDirect
	}
	conv, err := c.db.GetConversation(diff.ID)
	if err != nil {
		return 0, fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		// Created lazily on first sync target.
		if err := c.db.SaveConversation(&store.Conversation{ID: diff.ID, Kind: kind}); err != nil {
			return 0, fmt.Errorf("create conversation: %w", err)
		}
	}

	applied := 0
	for {
		n, err := c.applyPage(diff)
		if err != nil {
			return applied, err
		}
		applied += n

		if !diff.HasMore {
			return applied, nil
		}

		resp, err := c.client.Sync(ctx, gateway.SyncRequest{
			Conversations: []gateway.ConversationRef{{ID: diff.ID, Kind: kind, Cursor: diff.LatestSeq}},
		})
		if err != nil {
			return applied, fmt.Errorf("drain backlog: %w", err)
		}
		if len(resp.Conversations) == 0 {
			return applied, nil
		}
		diff = resp.Conversations[0]
	}
}

// applyPage writes one page of messages, then advances the cursor and
// refreshes the preview from the chronologically last message in the page.
func (c *Coordinator) applyPage(diff gateway.ConversationDiff) (int, error) {
	msgs := make([]store.Message, 0, len(diff.Messages))
	for i := range diff.Messages {
		msgs = append(msgs, diff.Messages[i].ToStore())
	}

	if err := c.db.SaveMessages(msgs); err != nil {
		return 0, fmt.Errorf("save messages: %w", err)
	}
	if err := c.db.UpdateCursor(diff.ID, diff.LatestSeq); err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	if last := latestVisible(msgs); last != nil {
		if err := c.db.UpdatePreview(diff.ID, store.PreviewText(last.ContentType, last.Content), last.SendTime); err != nil {
			return 0, fmt.Errorf("update preview: %w", err)
		}
	}
	return len(msgs), nil
}

func latestVisible(msgs []store.Message) *store.Message {
	var last *store.Message
	for i := range msgs {
		m := &msgs[i]
		if !m.Visible() {
			continue
		}
		if last == nil || m.SendTime > last.SendTime {
			last = m
		}
	}
	return last
}
