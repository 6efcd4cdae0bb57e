// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package local

import (
	"context"
	"log/slog"
	"sync"

	"github.com/poiesic/stockpile/storage"
)

// Broker is an in-process pub/sub topic fan-out. Every subscriber of a topic
// gets its own copy of each message published after it subscribed.
type Broker struct {
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]map[int]*brokerSub
	nextID int
}

type brokerSub struct {
	ch   chan []byte
	done <-chan struct{}
}

var _ storage.Publisher = (*Broker)(nil)

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger: logger.With("component", "local-broker"),
		topics: make(map[string]map[int]*brokerSub),
	}
}

// Publish delivers message to every current subscriber of topic. It blocks
// while a subscriber's buffer is full.
func (b *Broker) Publish(ctx context.Context, topic string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	if len(subs) == 0 {
		b.logger.Debug("no subscribers", "topic", topic)
		return nil
	}
	for _, sub := range subs {
		msg := append([]byte(nil), message...)
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe receives messages published to topic until ctx is done.
func (b *Broker) Subscribe(ctx context.Context, topic string) <-chan []byte {
	sub := &brokerSub{
		ch:   make(chan []byte, subscriberBuffer),
		done: ctx.Done(),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]*brokerSub)
	}
	b.topics[topic][id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
		close(sub.ch)
		b.mu.Unlock()
	}()
	return sub.ch
}
