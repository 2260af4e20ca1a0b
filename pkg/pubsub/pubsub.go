// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pubsub is the in-process event fabric. Agent servers publish to
// per-agent topics; UI layers and tests subscribe with buffered channels.
//
// Delivery is best-effort per subscriber: a subscriber that stops draining
// its channel loses events rather than stalling the publisher. Within one
// topic, events reach every live subscriber in publish order.
package pubsub

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription channel capacity.
const DefaultBufferSize = 256

// Broadcaster fans events out to topic subscribers.
type Broadcaster struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription]struct{}
	bufSize int
	logger  *slog.Logger
	closed  bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithBufferSize overrides the per-subscription channel capacity.
func WithBufferSize(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithLogger sets the logger used for drop warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broadcaster) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		topics:  make(map[string]map[*Subscription]struct{}),
		bufSize: DefaultBufferSize,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	topic   string
	ch      chan Event
	b       *Broadcaster
	once    sync.Once
	dropped atomic.Uint64
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Dropped reports how many events were discarded because the channel buffer
// was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Unsubscribe detaches from the topic and closes the channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.b.remove(s)
		close(s.ch)
	})
}

// Subscribe attaches a new buffered subscription to the topic.
func (b *Broadcaster) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan Event, b.bufSize),
		b:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Publish delivers the event to every current subscriber of the topic.
// It never blocks: a full subscriber buffer drops the event for that
// subscriber only.
func (b *Broadcaster) Publish(topic string, event Event) {
	event.Topic = topic

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.topics[topic] {
		select {
		case sub.ch <- event:
		default:
			n := sub.dropped.Add(1)
			if n == 1 || n%100 == 0 {
				b.logger.Warn("pubsub: slow subscriber, dropping events",
					"topic", topic,
					"event_type", event.Type,
					"dropped_total", n)
			}
		}
	}
}

// SubscriberCount returns how many subscriptions a topic currently has.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// CloseTopic ends every subscription on the topic. Used when the owning
// agent process shuts down.
func (b *Broadcaster) CloseTopic(topic string) {
	b.mu.Lock()
	subs := b.topics[topic]
	delete(b.topics, topic)
	b.mu.Unlock()

	for sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Close shuts the broadcaster down, ending all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := b.topics
	b.topics = make(map[string]map[*Subscription]struct{})
	b.mu.Unlock()

	for _, subs := range topics {
		for sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[s.topic]
	if !ok {
		return
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(b.topics, s.topic)
	}
}
