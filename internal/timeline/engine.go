// Package timeline implements the reconciliation engine: the per-conversation
// projection that merges cached messages, optimistic pending sends, and push
// events into one gap-free, monotonically-ordered view.
//
// Three writers race for the same logical message: the optimistic insert, the
// send-gateway ack, and the push event carrying the server sequence. The
// engine resolves every ordering of those three into exactly one timeline
// entry.
package timeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmonteiro/parley/internal/bus"
	"github.com/lmonteiro/parley/internal/gateway"
	"github.com/lmonteiro/parley/internal/push"
	"github.com/lmonteiro/parley/internal/store"
	"github.com/lmonteiro/parley/internal/syncer"
	"go.uber.org/zap"
)

const hydrateLimit = 50

// SendClient is the slice of the gateway the engine needs.
type SendClient interface {
	Send(ctx context.Context, req gateway.SendRequest) (*gateway.SendResponse, error)
	Recall(ctx context.Context, uuid string) error
}

// Engine owns the per-conversation views and the optimistic-send lifecycle.
type Engine struct {
	db          *store.DB
	client      SendClient
	bus         *bus.Bus
	logger      *zap.Logger
	localUserID string

	mu    sync.Mutex
	views map[string]*view

	cancel context.CancelFunc
}

// NewEngine creates a reconciliation engine for the given local user.
func NewEngine(db *store.DB, client SendClient, b *bus.Bus, localUserID string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		client:      client,
		bus:         b,
		logger:      logger,
		localUserID: localUserID,
		views:       make(map[string]*view),
	}
}

// Start subscribes to push events and sync outcomes on the bus. Both feed
// the open views: pushes one message at a time, sync passes a conversation
// at a time.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	pushCh, unsubPush := e.bus.Subscribe("push.", 256)
	syncCh, unsubSync := e.bus.Subscribe("sync.", 16)

	go func() {
		defer unsubPush()
		defer unsubSync()
		for {
			select {
			case evt := <-pushCh:
				e.handleEvent(evt)
			case evt := <-syncCh:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "push.message":
		if msg, ok := evt.Payload.(*push.NewMessage); ok {
			e.OnNewMessage(msg)
		}
	case "push.recalled":
		if rec, ok := evt.Payload.(*push.Recalled); ok {
			e.OnRecalled(rec)
		}
	case "sync.completed", "sync.failed":
		// A failed pass may still have applied some conversations.
		if res, ok := evt.Payload.(*syncer.Result); ok {
			e.OnSyncApplied(res.Updated)
		}
	}
}

// Open hydrates (or returns) the view for a conversation. The conversation
// record is created lazily on first reference; kind defaults to direct.
func (e *Engine) Open(conversationID, kind string) ([]DisplayMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := e.views[conversationID]; ok {
		return v.snapshot(), nil
	}

	if err := e.ensureConversationLocked(conversationID, kind); err != nil {
		return nil, err
	}

	msgs, err := e.db.GetMessages(conversationID, hydrateLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("hydrate conversation: %w", err)
	}

	v := &view{conversationID: conversationID, hasMore: len(msgs) >= hydrateLimit}
	for i := range msgs {
		v.items = append(v.items, fromStore(&msgs[i]))
	}
	v.sort()
	e.views[conversationID] = v
	return v.snapshot(), nil
}

// Messages returns the current rendered timeline for an open conversation.
func (e *Engine) Messages(conversationID string) []DisplayMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.views[conversationID]
	if v == nil {
		return nil
	}
	return v.snapshot()
}

// Send inserts an optimistic entry immediately and confirms it in the
// background. The insert is the only synchronous step: the caller gets the
// pending record back before any network round trip. Returns ErrSendInFlight
// while a previous send in the same conversation is still unconfirmed.
func (e *Engine) Send(ctx context.Context, conversationID, contentType, content, attachment string) (*PendingSend, error) {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		if _, err := e.Open(conversationID, store.KindDirect); err != nil {
			return nil, err
		}
		e.mu.Lock()
		v = e.views[conversationID]
	}
	if v.inFlight {
		e.mu.Unlock()
		return nil, ErrSendInFlight
	}

	clientID := uuid.NewString()
	now := time.Now().UnixMilli()
	item := DisplayMessage{
		UUID:           clientID, // provisional identity until the server answers
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       e.localUserID,
		ContentType:    contentType,
		Content:        content,
		Attachment:     attachment,
		SendTime:       now,
		Status:         StatusSending,
	}
	v.items = append(v.items, item)
	v.sort()
	v.inFlight = true
	e.mu.Unlock()

	e.publishUpdated(conversationID)

	req := gateway.SendRequest{
		ConversationID: conversationID,
		SenderID:       e.localUserID,
		ContentType:    contentType,
		Content:        content,
		Attachment:     attachment,
		ClientID:       clientID,
	}
	go e.deliver(context.WithoutCancel(ctx), conversationID, req)

	return &PendingSend{
		ClientID:       clientID,
		ConversationID: conversationID,
		ContentType:    contentType,
		Content:        content,
		UUID:           clientID,
		SendTime:       now,
		Status:         StatusSending,
	}, nil
}

func (e *Engine) deliver(ctx context.Context, conversationID string, req gateway.SendRequest) {
	resp, err := e.client.Send(ctx, req)
	if err != nil {
		e.failSend(conversationID, req.ClientID, err)
		return
	}
	e.confirmSend(conversationID, req.ClientID, resp)
}

// failSend marks the slot failed. The entry stays visible awaiting an
// explicit retry or discard; there is no automatic retry.
func (e *Engine) failSend(conversationID, clientID string, cause error) {
	e.mu.Lock()
	v := e.views[conversationID]
	if v != nil {
		if i := v.indexByClientID(clientID); i >= 0 && v.items[i].Status == StatusSending {
			v.items[i].Status = StatusFailed
			v.inFlight = false
			v.sort()
		}
	}
	e.mu.Unlock()

	e.logger.Error("send failed", zap.Error(cause), zap.String("client_id", clientID), zap.String("conversation", conversationID))
	e.bus.Publish(bus.Event{
		Kind:      "timeline.send_failed",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID, "client_id": clientID, "error": cause.Error()},
	})
	e.publishUpdated(conversationID)
}

// confirmSend reconciles the gateway ack with the pending slot. If the push
// event for this message already promoted the slot, the late ack is
// discarded: the push carried strictly more information (the sequence).
func (e *Engine) confirmSend(conversationID, clientID string, resp *gateway.SendResponse) {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return
	}
	i := v.indexByClientID(clientID)
	if i < 0 || v.items[i].Status != StatusSending {
		e.mu.Unlock()
		return
	}

	it := &v.items[i]
	it.UUID = resp.UUID
	if resp.SendTime > 0 {
		it.SendTime = resp.SendTime
	}
	it.Status = StatusSent
	v.inFlight = false

	msg := store.Message{
		UUID:           resp.UUID,
		ConversationID: conversationID,
		SenderID:       e.localUserID,
		ContentType:    it.ContentType,
		Content:        it.Content,
		Attachment:     it.Attachment,
		Sequence:       0, // reconciled later by the push handler or a sync
		SendTime:       it.SendTime,
	}
	preview := store.PreviewText(it.ContentType, it.Content)
	sendTime := it.SendTime
	v.sort()
	e.mu.Unlock()

	if err := e.db.SaveMessage(&msg); err != nil {
		e.logger.Error("persist confirmed send", zap.Error(err), zap.String("uuid", msg.UUID))
	}
	if err := e.db.UpdatePreview(conversationID, preview, sendTime); err != nil {
		e.logger.Error("update preview", zap.Error(err), zap.String("conversation", conversationID))
	}
	e.publishUpdated(conversationID)
}

// RetrySend re-dispatches a failed send under the same clientId.
func (e *Engine) RetrySend(ctx context.Context, conversationID, clientID string) error {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return fmt.Errorf("conversation %s not open", conversationID)
	}
	i := v.indexByClientID(clientID)
	if i < 0 || v.items[i].Status != StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("no failed send %s in conversation %s", clientID, conversationID)
	}
	if v.inFlight {
		e.mu.Unlock()
		return ErrSendInFlight
	}

	it := &v.items[i]
	it.Status = StatusSending
	it.SendTime = time.Now().UnixMilli()
	v.inFlight = true
	req := gateway.SendRequest{
		ConversationID: conversationID,
		SenderID:       e.localUserID,
		ContentType:    it.ContentType,
		Content:        it.Content,
		Attachment:     it.Attachment,
		ClientID:       clientID,
	}
	v.sort()
	e.mu.Unlock()

	e.publishUpdated(conversationID)
	go e.deliver(context.WithoutCancel(ctx), conversationID, req)
	return nil
}

// DiscardSend drops a failed send from the timeline.
func (e *Engine) DiscardSend(conversationID, clientID string) error {
	e.mu.Lock()
	v := e.views[conversationID]
	if v == nil {
		e.mu.Unlock()
		return fmt.Errorf("conversation %s not open", conversationID)
	}
	i := v.indexByClientID(clientID)
	if i < 0 || v.items[i].Status != StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("no failed send %s in conversation %s", clientID, conversationID)
	}
	v.remove(i)
	e.mu.Unlock()

	e.publishUpdated(conversationID)
	return nil
}

// OnNewMessage folds a push event into the timeline. Branch order matters:
//
//  1. A durable message with this uuid exists: the gateway ack won the
//     race and only the sequence is new information.
//  2. The sender is the local user and a send is still unconfirmed: the
//     push won the race and the slot adopts the server identity.
//  3. Otherwise it is a new remote message.
func (e *Engine) OnNewMessage(evt *push.NewMessage) {
	durable, err := e.db.GetMessageByUUID(evt.UUID)
	if err != nil {
		e.logger.Error("lookup pushed message", zap.Error(err), zap.String("uuid", evt.UUID))
		return
	}

	switch {
	case durable != nil:
		if err := e.db.SetSequence(evt.UUID, evt.Sequence); err != nil {
			e.logger.Error("set sequence", zap.Error(err), zap.String("uuid", evt.UUID))
			return
		}
		e.mu.Lock()
		if v := e.views[evt.ConversationID]; v != nil {
			if i := v.indexByUUID(evt.UUID); i >= 0 {
				it := &v.items[i]
				it.Sequence = evt.Sequence
				it.Status = StatusSent
				if evt.SendTime > 0 {
					it.SendTime = evt.SendTime
				}
				v.sort()
			}
		}
		e.mu.Unlock()

	case e.promoteInFlight(evt):
		// Slot promoted; durable record written inside.

	default:
		if err := e.ensureConversation(evt.ConversationID, evt.ConversationKind); err != nil {
			e.logger.Error("create conversation", zap.Error(err), zap.String("conversation", evt.ConversationID))
			return
		}
		msg := store.Message{
			UUID:           evt.UUID,
			ConversationID: evt.ConversationID,
			SenderID:       evt.SenderID,
			ContentType:    evt.ContentType,
			Content:        evt.Content,
			Attachment:     evt.Attachment,
			Sequence:       evt.Sequence,
			SendTime:       evt.SendTime,
		}
		if err := e.db.SaveMessage(&msg); err != nil {
			e.logger.Error("persist pushed message", zap.Error(err), zap.String("uuid", evt.UUID))
			return
		}
		e.mu.Lock()
		if v := e.views[evt.ConversationID]; v != nil {
			if i := v.indexByUUID(evt.UUID); i >= 0 {
				// The durable lookup ran before a racing ack landed; the
				// item is already listed and only the sequence is news.
				it := &v.items[i]
				it.Sequence = evt.Sequence
				it.Status = StatusSent
				if evt.SendTime > 0 {
					it.SendTime = evt.SendTime
				}
			} else {
				v.items = append(v.items, fromStore(&msg))
			}
			v.sort()
		}
		e.mu.Unlock()
	}

	if err := e.db.UpdatePreview(evt.ConversationID, store.PreviewText(evt.ContentType, evt.Content), evt.SendTime); err != nil {
		e.logger.Error("update preview", zap.Error(err), zap.String("conversation", evt.ConversationID))
	}
	e.publishUpdated(evt.ConversationID)
}

// promoteInFlight handles the push-beats-ack race: the event is the local
// user's own message and the conversation still has an unconfirmed slot.
// With the single in-flight slot per conversation there is exactly one
// candidate, so the promotion cannot misattribute.
func (e *Engine) promoteInFlight(evt *push.NewMessage) bool {
	if evt.SenderID != e.localUserID {
		return false
	}

	e.mu.Lock()
	v := e.views[evt.ConversationID]
	if v == nil {
		e.mu.Unlock()
		return false
	}
	i := v.firstSending()
	if i < 0 {
		e.mu.Unlock()
		return false
	}

	it := &v.items[i]
	it.UUID = evt.UUID
	it.Sequence = evt.Sequence
	if evt.SendTime > 0 {
		it.SendTime = evt.SendTime
	}
	it.Status = StatusSent
	v.inFlight = false

	msg := store.Message{
		UUID:           evt.UUID,
		ConversationID: evt.ConversationID,
		SenderID:       e.localUserID,
		ContentType:    it.ContentType,
		Content:        it.Content,
		Attachment:     it.Attachment,
		Sequence:       evt.Sequence,
		SendTime:       it.SendTime,
	}
	v.sort()
	e.mu.Unlock()

	if err := e.db.SaveMessage(&msg); err != nil {
		e.logger.Error("persist promoted send", zap.Error(err), zap.String("uuid", msg.UUID))
	}
	return true
}

// OnRecalled tombstones a message. Recalling an unknown or already-removed
// uuid is a no-op.
func (e *Engine) OnRecalled(evt *push.Recalled) {
	if err := e.db.MarkRecalled(evt.UUID); err != nil {
		e.logger.Error("mark recalled", zap.Error(err), zap.String("uuid", evt.UUID))
		return
	}

	e.mu.Lock()
	removed := false
	if v := e.views[evt.ConversationID]; v != nil {
		if i := v.indexByUUID(evt.UUID); i >= 0 {
			v.remove(i)
			removed = true
		}
	}
	e.mu.Unlock()

	if removed {
		e.publishUpdated(evt.ConversationID)
	}
}

// OnSyncApplied folds conversations touched by a sync pass back into their
// open views. Backfill writes to the store directly, so without this pass a
// view opened before a disconnect would never show the recovered messages.
func (e *Engine) OnSyncApplied(updated map[string]struct{}) {
	var touched []string

	e.mu.Lock()
	for id := range updated {
		v := e.views[id]
		if v == nil {
			continue
		}
		if err := e.rehydrateLocked(v); err != nil {
			e.logger.Error("rehydrate after sync", zap.Error(err), zap.String("conversation", id))
			continue
		}
		touched = append(touched, id)
	}
	e.mu.Unlock()

	for _, id := range touched {
		e.publishUpdated(id)
	}
}

// rehydrateLocked merges the latest durable page into the view. Pending and
// failed slots have no durable row and are left untouched; items already
// present only pick up a higher sequence. Callers must hold e.mu.
func (e *Engine) rehydrateLocked(v *view) error {
	msgs, err := e.db.GetMessages(v.conversationID, hydrateLimit, 0)
	if err != nil {
		return fmt.Errorf("rehydrate conversation: %w", err)
	}
	for i := range msgs {
		if j := v.indexByUUID(msgs[i].UUID); j >= 0 {
			if msgs[i].Sequence > v.items[j].Sequence {
				v.items[j].Sequence = msgs[i].Sequence
			}
			continue
		}
		v.items = append(v.items, fromStore(&msgs[i]))
	}
	v.sort()
	return nil
}

// Recall asks the server to recall a message and applies the tombstone
// locally right away. The echoing push event is then a no-op.
func (e *Engine) Recall(ctx context.Context, conversationID, uuid string) error {
	if err := e.client.Recall(ctx, uuid); err != nil {
		return err
	}
	e.OnRecalled(&push.Recalled{UUID: uuid, ConversationID: conversationID})
	return nil
}

// LoadOlder pages further back into history: durable messages with a
// sequence below the oldest one loaded, newest first from the store,
// prepended to the older end of the view. Pending sends are never touched
// by this path. The second return value reports whether more history is
// likely available.
func (e *Engine) LoadOlder(conversationID string, limit int) ([]DisplayMessage, bool, error) {
	if limit <= 0 {
		limit = hydrateLimit
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	v := e.views[conversationID]
	if v == nil {
		return nil, false, fmt.Errorf("conversation %s not open", conversationID)
	}
	// A view holding only unsequenced rows (own acked sends awaiting their
	// push) has no keyset position yet; before == 0 falls back to the
	// latest durable page so older history is still reachable.
	before := v.oldestSequence()

	msgs, err := e.db.GetMessages(conversationID, limit, before)
	if err != nil {
		return nil, false, fmt.Errorf("load older: %w", err)
	}

	var page []DisplayMessage
	for i := range msgs {
		if v.indexByUUID(msgs[i].UUID) >= 0 {
			continue
		}
		dm := fromStore(&msgs[i])
		v.items = append(v.items, dm)
		page = append(page, dm)
	}
	v.sort()
	v.hasMore = len(msgs) >= limit
	return page, v.hasMore, nil
}

func (e *Engine) publishUpdated(conversationID string) {
	e.bus.Publish(bus.Event{
		Kind:      "timeline.updated",
		Timestamp: time.Now(),
		Payload:   map[string]string{"conversation_id": conversationID},
	})
}

// ensureConversationLocked creates the conversation record on first
// reference. Callers must hold e.mu.
func (e *Engine) ensureConversationLocked(id, kind string) error {
	if kind == "" {
		kind = store.KindDirect
	}
	conv, err := e.db.GetConversation(id)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if conv != nil {
		return nil
	}
	if err := e.db.SaveConversation(&store.Conversation{ID: id, Kind: kind}); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (e *Engine) ensureConversation(id, kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ensureConversationLocked(id, kind)
}

func fromStore(m *store.Message) DisplayMessage {
	return DisplayMessage{
		UUID:           m.UUID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ContentType:    m.ContentType,
		Content:        m.Content,
		Attachment:     m.Attachment,
		Sequence:       m.Sequence,
		SendTime:       m.SendTime,
		Status:         StatusSent,
	}
}
