package manager

import (
	"sync"

	"github.com/roach88/projmgr/internal/leader"
	"github.com/roach88/projmgr/internal/projection"
)

// Status is the externally visible state of one projection.
type Status struct {
	Name               string           `json:"name"`
	Mode               projection.Mode  `json:"mode"`
	State              projection.State `json:"state"`
	Enabled            bool             `json:"enabled"`
	EmitEnabled        bool             `json:"emit_enabled"`
	CheckpointsEnabled bool             `json:"checkpoints_enabled"`
	HandlerKind        string           `json:"handler_kind"`
	Query              string           `json:"query,omitempty"`
	Owner              string           `json:"owner,omitempty"`
	FaultReason        string           `json:"fault_reason,omitempty"`

	// StartedFrom is the checkpoint position of the last start, or -1 if
	// the projection last started from the beginning or never started.
	StartedFrom int64 `json:"started_from"`

	Epoch leader.Epoch `json:"epoch"`
}

// Reply answers one command. Err is nil on success.
type Reply struct {
	CommandID string
	Command   string

	// Status is set by every successful command except List.
	Status Status

	// Statuses is set by List, sorted by name.
	Statuses []Status

	Err error
}

// Envelope receives the reply to a command.
type Envelope interface {
	Reply(Reply)
}

// EnvelopeFunc adapts a function to Envelope.
type EnvelopeFunc func(Reply)

// Reply implements Envelope.
func (f EnvelopeFunc) Reply(r Reply) { f(r) }

// ChanEnvelope delivers the reply on a buffered channel.
type ChanEnvelope chan Reply

// NewChanEnvelope returns an envelope with room for its one reply.
func NewChanEnvelope() ChanEnvelope {
	return make(ChanEnvelope, 1)
}

// Reply implements Envelope. Replies beyond the first are dropped.
func (c ChanEnvelope) Reply(r Reply) {
	select {
	case c <- r:
	default:
	}
}

// onceEnvelope guarantees a single delivery however many paths race to
// answer the same command.
type onceEnvelope struct {
	env  Envelope
	once sync.Once
}

func replyOnce(env Envelope) *onceEnvelope {
	if oe, ok := env.(*onceEnvelope); ok {
		return oe
	}
	return &onceEnvelope{env: env}
}

func (o *onceEnvelope) Reply(r Reply) {
	o.once.Do(func() {
		if o.env != nil {
			o.env.Reply(r)
		}
	})
}
