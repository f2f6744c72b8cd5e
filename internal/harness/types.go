package harness

// Trace kinds, in the order the recorder emits them within one tick.
const (
	KindSessionInitialized = "session_initialized"
	KindSendMessage        = "send_message"
	KindAwaitingPeer       = "awaiting_peer"
	KindMessageSent        = "message_sent"
	KindMessageReceived    = "message_received"
	KindConnectedPeer      = "connected_peer"
	KindSessionError       = "session_error"

	// KindStatus records a status change observed at the end of a tick.
	KindStatus = "status"
)

var knownKinds = map[string]bool{
	KindSessionInitialized: true,
	KindSessionError:       true,
	KindSendMessage:        true,
	KindAwaitingPeer:       true,
	KindMessageSent:        true,
	KindMessageReceived:    true,
	KindConnectedPeer:      true,
	KindStatus:             true,
}

// TraceEvent is one host-visible occurrence. Fields not relevant to Kind
// are left empty and omitted from JSON.
type TraceEvent struct {
	Tick      uint64   `json:"tick"`
	Kind      string   `json:"kind"`
	ID        string   `json:"id,omitempty"`
	Peer      string   `json:"peer,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Cause     string   `json:"cause,omitempty"`
	Status    string   `json:"status,omitempty"`
	Payload   *Payload `json:"payload,omitempty"`
}

// Payload is the message carried by send_message and message_received.
type Payload struct {
	Counter int    `json:"counter"`
	Extra   string `json:"extra"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation matched.
	Pass bool `json:"pass"`

	// Trace holds every recorded event in tick order.
	Trace []TraceEvent `json:"trace"`

	// Status is the final lifecycle status name.
	Status string `json:"status"`

	// Counterpart is the alias of the final counterpart, if any.
	Counterpart string `json:"counterpart,omitempty"`

	// Errors contains expectation failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds an expectation failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns how many trace events have the given kind.
func (r *Result) Count(kind string) int {
	n := 0
	for _, ev := range r.Trace {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}
