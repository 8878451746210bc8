// Package pushbus is the in-process topic publisher (C7): market_updated,
// position_updated, and new_transaction notifications, delivered after the
// handler's transaction has committed. Adapted from the single-topic POS
// finality stream in core/pos_stream.go, generalized to an arbitrary set of
// string topics and given a bounded per-topic history instead of one global
// ring buffer.
package pushbus

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// historyLimit bounds how many past updates a topic retains for backlog
// replay on subscribe, mirroring posFinalityHistoryLimit.
const historyLimit = 2048

// Topic name prefixes, combined with an entity id to form a concrete topic
// string (spec §4.7).
const (
	TopicMarketUpdated   = "market_updated"
	TopicPositionUpdated = "position_updated"
	TopicNewTransaction  = "new_transaction"
)

// MarketUpdatedTopic returns the concrete topic for a market's updates.
func MarketUpdatedTopic(marketID string) string { return TopicMarketUpdated + ":" + marketID }

// PositionUpdatedTopic returns the concrete topic for a user's position
// updates.
func PositionUpdatedTopic(userAddress string) string {
	return TopicPositionUpdated + ":" + userAddress
}

// NewTransactionTopic returns the concrete topic for new transactions,
// either global or scoped to one market.
func NewTransactionTopic(marketID string) string {
	if strings.TrimSpace(marketID) == "" {
		return TopicNewTransaction
	}
	return TopicNewTransaction + ":" + marketID
}

// Update is a single published notification. Payload is opaque to the bus;
// the pipeline's processor publishes the touched entity's id (market id or
// user address) as the payload.
type Update struct {
	Topic    string
	Sequence uint64
	Cursor   string
	Payload  any
}

type subscription struct {
	ch chan Update
}

type topicState struct {
	mu      sync.Mutex
	seq     uint64
	history []Update
	subs    map[uint64]*subscription
	nextID  uint64
}

// Bus is the process-wide publisher. Zero value is not usable; use New.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topicState
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{topics: make(map[string]*topicState)}
}

func (b *Bus) state(topic string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.topics[topic]
	if !ok {
		st = &topicState{subs: make(map[uint64]*subscription)}
		b.topics[topic] = st
	}
	return st
}

// Publish appends payload to topic's history and delivers it to every
// current subscriber. Delivery is best-effort and non-blocking: a
// subscriber whose channel is full drops the update rather than stalling
// the publisher (spec §4.7/§5: must never block C5).
func (b *Bus) Publish(topic string, payload any) {
	st := b.state(topic)
	st.mu.Lock()
	st.seq++
	update := Update{Topic: topic, Sequence: st.seq, Cursor: strconv.FormatUint(st.seq, 10), Payload: payload}
	st.history = append(st.history, update)
	if len(st.history) > historyLimit {
		excess := len(st.history) - historyLimit
		trimmed := make([]Update, historyLimit)
		copy(trimmed, st.history[excess:])
		st.history = trimmed
	}
	subs := make([]*subscription, 0, len(st.subs))
	for _, sub := range st.subs {
		subs = append(subs, sub)
	}
	st.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// Subscribe registers a subscriber on topic, returning the live channel, a
// cancel function, and the backlog of updates with sequence greater than
// the supplied cursor (empty cursor means "from the start of retained
// history"). Cancel is idempotent.
func (b *Bus) Subscribe(ctx context.Context, topic, cursor string) (<-chan Update, func(), []Update, error) {
	st := b.state(topic)
	ch := make(chan Update, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		if parsed, err := strconv.ParseUint(trimmed, 10, 64); err == nil {
			since = parsed
		}
	}

	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.subs[id] = &subscription{ch: ch}
	history := make([]Update, len(st.history))
	copy(history, st.history)
	st.mu.Unlock()

	backlog := make([]Update, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, entry)
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			st.mu.Lock()
			if sub, ok := st.subs[id]; ok {
				delete(st.subs, id)
				close(sub.ch)
			}
			st.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return ch, cancel, backlog, nil
}
