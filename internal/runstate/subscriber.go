package runstate

import "github.com/google/uuid"

// subscriberBufferSize bounds how far a subscriber can lag: once its
// buffer is full, TestCase.Publish removes the subscriber rather than
// dropping individual events, so ingest never blocks. Unlike EventLog.Subscribe in the teacher, which replays from a
// sequence cursor, per-case subscribers here receive an explicit
// historical batch at connect time (spec.md §4.6) and only need headroom
// for new arrivals afterward.
const subscriberBufferSize = 256

// Subscriber is an ephemeral queue attached to a specific test case for
// live streaming, owned by the viewer for its connection lifetime
// (spec.md §3 "Subscriber").
type Subscriber struct {
	ID string
	Ch chan any
}

// NewSubscriber allocates a subscriber with a fresh id and a buffered
// channel sized per subscriberBufferSize.
func NewSubscriber() *Subscriber {
	return &Subscriber{
		ID: uuid.NewString(),
		Ch: make(chan any, subscriberBufferSize),
	}
}
