package engine

import "sync"

// streamBufferSize is the per-subscriber channel depth. Subscribers that
// fall further behind lose lines rather than stall the run.
const streamBufferSize = 64

// LogBroker fans live run output out to any number of subscribers. Delivery
// is best-effort: history lives in the ledger, the broker carries only the
// live tail.
type LogBroker struct {
	mu      sync.Mutex
	streams map[string]*logStream
}

type logStream struct {
	subs    map[int]chan string
	nextSub int
	closed  bool
}

func NewLogBroker() *LogBroker {
	return &LogBroker{streams: make(map[string]*logStream)}
}

// Subscribe returns a channel of log lines for the given run and a function
// that unsubscribes. The channel is closed when the run finishes; a
// subscriber arriving after that gets an already-closed channel.
func (b *LogBroker) Subscribe(runID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[runID]
	if !ok {
		s = &logStream{subs: make(map[int]chan string)}
		b.streams[runID] = s
	}
	if s.closed {
		ch := make(chan string)
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	ch := make(chan string, streamBufferSize)
	s.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, live := s.subs[id]; live {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers a line to every subscriber of the run. Lines for runs
// nobody subscribed to are dropped, as are lines a full subscriber cannot
// take: publishing never blocks execution.
func (b *LogBroker) Publish(runID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[runID]
	if !ok || s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close marks the run's stream finished and closes every subscriber
// channel. Closing an unknown run id records the closed state so late
// subscribers still observe it.
func (b *LogBroker) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[runID]
	if !ok {
		b.streams[runID] = &logStream{closed: true}
		return
	}
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
