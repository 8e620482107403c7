package timeline

import (
	"cmp"
	"slices"
)

// view is the in-memory projection of one conversation. It is only ever
// touched with the engine's lock held.
type view struct {
	conversationID string
	items          []DisplayMessage
	hasMore        bool
	// Single in-flight send slot. The push channel does not echo clientId,
	// so at most one unconfirmed send may exist per conversation or the
	// ack/push correlation would be guesswork.
	inFlight bool
}

// compareItems is the rendering order: ascending by sendTime with sequence
// as the tie-break, except that sending items always sort after everything
// else because they have no authoritative position yet.
func compareItems(a, b DisplayMessage) int {
	aPending := a.Status == StatusSending
	bPending := b.Status == StatusSending
	if aPending != bPending {
		if aPending {
			return 1
		}
		return -1
	}
	if c := cmp.Compare(a.SendTime, b.SendTime); c != 0 {
		return c
	}
	return cmp.Compare(a.Sequence, b.Sequence)
}

func (v *view) sort() {
	slices.SortStableFunc(v.items, compareItems)
}

// indexByUUID returns the position of the item carrying the given durable
// identity, or -1.
func (v *view) indexByUUID(uuid string) int {
	for i := range v.items {
		if v.items[i].UUID == uuid {
			return i
		}
	}
	return -1
}

// indexByClientID returns the position of the locally-originated item with
// the given correlation token, or -1.
func (v *view) indexByClientID(clientID string) int {
	for i := range v.items {
		if v.items[i].ClientID == clientID {
			return i
		}
	}
	return -1
}

// firstSending returns the position of the oldest still-sending slot, or -1.
func (v *view) firstSending() int {
	for i := range v.items {
		if v.items[i].Status == StatusSending {
			return i
		}
	}
	return -1
}

func (v *view) remove(i int) {
	v.items = append(v.items[:i], v.items[i+1:]...)
}

// oldestSequence returns the lowest server-assigned sequence currently
// loaded, or 0 when nothing sequenced is loaded yet.
func (v *view) oldestSequence() int64 {
	var oldest int64
	for i := range v.items {
		if seq := v.items[i].Sequence; seq > 0 && (oldest == 0 || seq < oldest) {
			oldest = seq
		}
	}
	return oldest
}

// snapshot returns a copy safe to hand across the API boundary.
func (v *view) snapshot() []DisplayMessage {
	out := make([]DisplayMessage, len(v.items))
	copy(out, v.items)
	return out
}
