package stream

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// Chunk is one unit of streamed execution output. Seq is non-decreasing per
// session; a Dropped chunk marks a gap where backlog was truncated.
type Chunk struct {
	Seq     uint64 `json:"seq"`
	Stream  string `json:"stream,omitempty"`
	Payload string `json:"payload"`
	IsFinal bool   `json:"is_final"`
	Dropped bool   `json:"dropped,omitempty"`
}

// Hub tracks one broadcaster per execution session.
type Hub struct {
	broadcasters *xsync.MapOf[string, *Broadcaster]
	backlogCap   int
	logger       *logrus.Entry
}

// NewHub creates a hub whose broadcasters keep at most backlogCap chunks of
// history for late subscribers.
func NewHub(backlogCap int) *Hub {
	return &Hub{
		broadcasters: xsync.NewMapOf[string, *Broadcaster](),
		backlogCap:   backlogCap,
		logger:       logrus.WithField("component", "stream"),
	}
}

// Open creates (or returns) the broadcaster for a session.
func (h *Hub) Open(sessionID string) *Broadcaster {
	b, _ := h.broadcasters.LoadOrCompute(sessionID, func() *Broadcaster {
		return newBroadcaster(h.backlogCap)
	})
	return b
}

// Get returns the broadcaster for a session if it exists.
func (h *Hub) Get(sessionID string) (*Broadcaster, bool) {
	return h.broadcasters.Load(sessionID)
}

// Drop removes a session's broadcaster, e.g. when the session is evicted.
func (h *Hub) Drop(sessionID string) {
	if b, ok := h.broadcasters.LoadAndDelete(sessionID); ok {
		b.close()
	}
}

// Broadcaster fans out ordered chunks for one session to any number of
// subscribers. Delivery is an orthogonal concern from execution lifecycle:
// subscribers may attach before, during, or after the run.
type Broadcaster struct {
	mu         sync.Mutex
	nextSeq    uint64
	backlog    []Chunk
	backlogCap int
	truncated  bool
	finished   bool
	subs       map[*subscriber]struct{}
}

type subscriber struct {
	ch      chan Chunk
	lagging bool
}

func newBroadcaster(backlogCap int) *Broadcaster {
	return &Broadcaster{
		backlogCap: backlogCap,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Publish appends one output chunk and delivers it to live subscribers.
func (b *Broadcaster) Publish(stream, payload string) {
	b.publish(Chunk{Stream: stream, Payload: payload})
}

// Finish publishes the terminal chunk. The stream ends here for every
// subscriber; further publishes are ignored.
func (b *Broadcaster) Finish(payload string) {
	b.publish(Chunk{Payload: payload, IsFinal: true})
}

func (b *Broadcaster) publish(c Chunk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}

	c.Seq = b.nextSeq
	b.nextSeq++

	b.backlog = append(b.backlog, c)
	if len(b.backlog) > b.backlogCap {
		b.backlog = b.backlog[len(b.backlog)-b.backlogCap:]
		b.truncated = true
	}

	for sub := range b.subs {
		sub.deliver(c)
	}

	if c.IsFinal {
		b.finished = true
		for sub := range b.subs {
			close(sub.ch)
		}
		b.subs = make(map[*subscriber]struct{})
	}
}

// deliver hands a chunk to one subscriber without ever blocking the
// publisher. A subscriber that cannot keep up loses chunks and sees a
// dropped marker before the next chunk it does receive, so order stays
// non-decreasing and truncation is detectable.
func (s *subscriber) deliver(c Chunk) {
	if s.lagging {
		select {
		case s.ch <- Chunk{Seq: c.Seq, Dropped: true}:
			s.lagging = false
		default:
			return
		}
	}
	select {
	case s.ch <- c:
	default:
		s.lagging = true
	}
}

// Subscribe returns a finite channel of chunks: the buffered backlog since
// session start (preceded by a dropped marker if the backlog was truncated)
// followed by live chunks, closed at the terminal chunk or when ctx ends.
// The sequence is not restartable past the consumption point.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Chunk {
	b.mu.Lock()

	sub := &subscriber{ch: make(chan Chunk, 2*b.backlogCap+2)}

	if b.truncated && len(b.backlog) > 0 {
		sub.ch <- Chunk{Seq: b.backlog[0].Seq, Dropped: true}
	}
	for _, c := range b.backlog {
		sub.ch <- c
	}

	if b.finished {
		close(sub.ch)
		b.mu.Unlock()
		return sub.ch
	}

	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			b.mu.Lock()
			if _, live := b.subs[sub]; live {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		}()
	}

	return sub.ch
}

func (b *Broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return
	}
	b.finished = true
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscriber]struct{})
}
