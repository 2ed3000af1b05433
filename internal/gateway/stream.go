package gateway

import (
	"sync"
	"time"
)

// maxFinished bounds how many completed messages the assembler retains
// for late readers. In-progress messages are never evicted.
const maxFinished = 32

// StreamedMessage is one chat response being assembled from delta frames.
type StreamedMessage struct {
	ID        string
	Content   string
	Done      bool
	Model     string
	StartedAt time.Time

	seq int64
}

// StreamAssembler reassembles chat responses from ordered delta frames
// keyed by message id. A delta for an unknown id creates a new in-progress
// message instead of being dropped: frames can arrive before the session
// bootstrap that would have announced the id.
type StreamAssembler struct {
	mu       sync.Mutex
	inflight map[string]*StreamedMessage
	seq      int64
}

// NewStreamAssembler creates an empty assembler.
func NewStreamAssembler() *StreamAssembler {
	return &StreamAssembler{inflight: make(map[string]*StreamedMessage)}
}

// ApplyDelta appends a chunk to the message with the given id, creating it
// on first sight. Deltas after the done frame are ignored.
func (a *StreamAssembler) ApplyDelta(id, chunk string) *StreamedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.getOrCreateLocked(id)
	if m.Done {
		return m
	}
	m.Content += chunk
	return m
}

// Finish terminates a message with its authoritative full content. Exactly
// one done frame ends each stream; the full content wins over whatever the
// deltas accumulated. Finishing an unknown id creates the message,
// tolerating a done frame that outran its deltas. Older finished messages
// beyond maxFinished are evicted so a long-running client does not grow
// without bound.
func (a *StreamAssembler) Finish(id, fullContent, model string) *StreamedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.getOrCreateLocked(id)
	if m.Done {
		return m
	}
	m.Content = fullContent
	m.Model = model
	m.Done = true
	a.pruneLocked()
	return m
}

func (a *StreamAssembler) getOrCreateLocked(id string) *StreamedMessage {
	m, ok := a.inflight[id]
	if !ok {
		a.seq++
		m = &StreamedMessage{ID: id, StartedAt: time.Now(), seq: a.seq}
		a.inflight[id] = m
	}
	return m
}

// pruneLocked evicts the oldest finished messages past the retention cap.
func (a *StreamAssembler) pruneLocked() {
	finished := 0
	for _, m := range a.inflight {
		if m.Done {
			finished++
		}
	}
	for finished > maxFinished {
		var oldest *StreamedMessage
		for _, m := range a.inflight {
			if m.Done && (oldest == nil || m.seq < oldest.seq) {
				oldest = m
			}
		}
		delete(a.inflight, oldest.ID)
		finished--
	}
}

// Get returns the message for an id, or nil.
func (a *StreamAssembler) Get(id string) *StreamedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[id]
}

// Drop removes a finished or abandoned message.
func (a *StreamAssembler) Drop(id string) {
	a.mu.Lock()
	delete(a.inflight, id)
	a.mu.Unlock()
}
