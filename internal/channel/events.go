package channel

// Inbound push frames are JSON envelopes discriminated by type. Unknown
// types are ignored; malformed payloads are dropped without affecting the
// connection.
const (
	msgTypeCounts         = "counts.update"
	msgTypeMessagesChange = "messages.change"
	msgTypeReactions      = "reactions.update"
	msgTypePong           = "pong"
)

type envelope struct {
	Type      string         `json:"type"`
	Counts    map[string]int `json:"counts"`
	CaseID    string         `json:"case_id"`
	MessageID string         `json:"message_id"`
}

// ChangeEvent identifies the message a change notification is scoped to.
// Both fields are required; events missing either are not forwarded.
type ChangeEvent struct {
	CaseID    string
	MessageID string
}

type Hooks struct {
	// OnCounts receives a copy of the counters snapshot on every replace.
	OnCounts func(Counts)
	// OnChange receives message change notifications (new/edited messages
	// and reaction changes).
	OnChange func(ChangeEvent)
	// OnReaction is the legacy reaction-update event, emitted in addition
	// to OnChange when the inbound type was reactions.update.
	//
	// Deprecated: subscribe to OnChange instead.
	OnReaction func(ChangeEvent)
	// OnConnected fires when the channel reaches Open.
	OnConnected func()
	// OnDisconnected fires when an Open or Connecting channel drops; err is
	// nil on a clean close.
	OnDisconnected func(err error)
}
