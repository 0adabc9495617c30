package service

import (
	"context"
	"path"
	"strconv"
	"sync"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.SignalBus = (*LocalBus)(nil)

// LocalBus is an in-process domain.SignalBus for single-instance deployments
// without Redis. Subscribers with a full buffer miss messages; streams keep
// the last maxLen entries.
type LocalBus struct {
	mu      sync.RWMutex
	subs    map[*localSub]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

type localSub struct {
	pattern string
	ch      chan []byte
}

// NewLocalBus creates a LocalBus keeping up to maxLen entries per stream.
func NewLocalBus(maxLen int) *LocalBus {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &LocalBus{
		subs:    make(map[*localSub]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  maxLen,
	}
}

// Publish delivers payload to every matching subscriber without blocking.
func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if ok, _ := path.Match(s.pattern, channel); !ok {
			continue
		}
		select {
		case s.ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe returns payloads published on channels matching the glob pattern
// until ctx is cancelled.
func (b *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &localSub{pattern: channel, ch: make(chan []byte, 128)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()
	return s.ch, nil
}

// StreamAppend appends payload to stream.
func (b *LocalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	entries := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10) + "-0",
		Payload: append([]byte(nil), payload...),
	})
	if len(entries) > b.maxLen {
		entries = entries[len(entries)-b.maxLen:]
	}
	b.streams[stream] = entries
	return nil
}

// StreamRead returns up to count entries after lastID ("0" or "" reads from
// the start).
func (b *LocalBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	after := streamSeq(lastID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if streamSeq(m.ID) <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

func streamSeq(id string) uint64 {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			id = id[:i]
			break
		}
	}
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}
