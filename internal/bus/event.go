package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds in use:
//
//	message.sending      optimistic local echo created
//	message.upserted     message stored or updated
//	message.sent         server acknowledged a send
//	message.send_failed  send failed, record kept for retry
//	message.read         outbound messages marked read by the peer
//	presence.online      a contact came online
//	presence.offline     a contact went offline
//	presence.changed     a contact changed status
//	session.connected    transport (re)connected
//	session.disconnected transport lost
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
