package bus

import "time"

// Event is a domain event published on the bus.
//
// Kinds are dot-delimited, namespace first. Namespaces in use:
//
//	push.*     events decoded off the push channel (push.message, push.recalled)
//	conn.*     push channel connectivity edges (conn.up, conn.down)
//	timeline.* reconciliation engine changes (timeline.updated, timeline.send_failed)
//	sync.*     sync coordinator outcomes (sync.completed, sync.failed)
//	agent.*    daemon level state (agent.status_changed)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
