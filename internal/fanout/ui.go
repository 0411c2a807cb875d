// Package fanout implements the UI broadcast set of the live fan-out
// plane (spec.md §4.6); the per-test-case subscriber queues live on
// runstate.TestCase. It is grounded on the teacher's server.EventLog
// publish/subscribe model, simplified here since each viewer connection
// owns exactly one outbound queue rather than replaying a shared log.
package fanout

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// UIMessage is the broadcast shape sent to UI viewers (spec.md §6 "UI
// broadcast interface"): run_started, test_case_started,
// test_case_finished, test_case_updated, or run_finished, carrying the
// pertinent ids, tc_meta, and current counts.
type UIMessage struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	TCID    string `json:"tc_id,omitempty"`
	TCMeta  any    `json:"tc_meta,omitempty"`
	Counts  any    `json:"counts,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// uiClient is one connected UI viewer.
type uiClient struct {
	id string
	ch chan []byte
}

const uiClientBufferSize = 256

// UIBroadcaster is the single fan-out channel described in spec.md §6. It
// encodes each message once and attempts to send to every registered
// viewer; any viewer whose send fails is removed during that same pass,
// under the broadcaster's lock (spec.md §4.6.1). Ingest never waits on a
// viewer.
type UIBroadcaster struct {
	mu      sync.Mutex
	clients map[string]*uiClient
}

// NewUIBroadcaster returns an empty broadcaster.
func NewUIBroadcaster() *UIBroadcaster {
	return &UIBroadcaster{clients: make(map[string]*uiClient)}
}

// Register adds a new viewer and returns its id (pass it to Unregister)
// and a channel that yields already-JSON-encoded messages.
func (b *UIBroadcaster) Register() (id string, ch <-chan []byte) {
	c := &uiClient{id: uuid.NewString(), ch: make(chan []byte, uiClientBufferSize)}
	b.mu.Lock()
	b.clients[c.id] = c
	b.mu.Unlock()
	return c.id, c.ch
}

// Unregister removes a viewer by id.
func (b *UIBroadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, id)
}

// Broadcast encodes msg once and attempts delivery to every registered
// viewer. Channels that are full are dropped from the client set.
func (b *UIBroadcaster) Broadcast(msg UIMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, c := range b.clients {
		select {
		case c.ch <- data:
		default:
			delete(b.clients, id)
		}
	}
	return nil
}
