package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/tokenledger/internal/domain"
)

var (
	_ domain.SignalBus   = (*Bus)(nil)
	_ domain.Subscriber  = (*Bus)(nil)
	_ domain.LockManager = (*Locks)(nil)
)

// Bus is an in-process domain.SignalBus. Stream ids are "<seq>-0" and
// increase per stream.
type Bus struct {
	mu        sync.Mutex
	streams   map[string][]domain.StreamMessage
	published map[string][][]byte
	subs      map[string][]chan []byte
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{
		streams:   make(map[string][]domain.StreamMessage),
		published: make(map[string][][]byte),
		subs:      make(map[string][]chan []byte),
	}
}

// Publish records payload and fans it out to subscribers without blocking.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Published returns every payload sent to channel.
func (b *Bus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[channel]...)
}

// Subscribe returns a channel closed when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *Bus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.Itoa(len(b.streams[stream])+1) + "-0"
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

// StreamRead returns up to count entries with ids after lastID.
func (b *Bus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	after, err := streamSeq(lastID)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.streams[stream]
	if after >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[after:]
	if count > 0 && len(msgs) > count {
		msgs = msgs[:count]
	}
	return append([]domain.StreamMessage(nil), msgs...), nil
}

// Stream returns every entry of stream.
func (b *Bus) Stream(stream string) []domain.StreamMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StreamMessage(nil), b.streams[stream]...)
}

func streamSeq(id string) (int, error) {
	if id == "" || id == "0" || id == "0-0" {
		return 0, nil
	}
	seq, _, _ := strings.Cut(id, "-")
	n, err := strconv.Atoi(seq)
	if err != nil {
		return 0, fmt.Errorf("memory: stream id %q: %w", id, domain.ErrInvalidInput)
	}
	return n, nil
}

// Locks is an in-process domain.LockManager. Expired locks are reclaimed on
// the next Acquire.
type Locks struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]time.Time), now: time.Now}
}

func (l *Locks) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.held[key].Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}
