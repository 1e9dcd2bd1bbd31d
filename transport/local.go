// Copyright 2025 PolyCrypt GmbH
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

package transport

import (
	"errors"
	"sync"

	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/stellar-multichannel/wire"
)

// DefaultBufferSize is the per-subscription message buffer.
const DefaultBufferSize = 1024

// LocalBus is an in-process Bus. Messages round-trip through the wire
// encoding so tests exercise exactly the bytes a remote transport would
// carry, and delivery can be duplicated to exercise idempotent handling.
type LocalBus struct {
	mu        sync.Mutex
	subs      map[string][]chan wire.Message
	duplicate bool
	closer    pkgsync.Closer
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string][]chan wire.Message)}
}

// DuplicateDelivery makes the bus deliver every message twice, imitating an
// at-least-once transport that redelivers.
func (b *LocalBus) DuplicateDelivery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.duplicate = true
}

// Publish delivers msg to all subscribers of the topic. The message is
// encoded and decoded once to guarantee it survives the wire format.
func (b *LocalBus) Publish(topic string, msg wire.Message) error {
	if b.closer.IsClosed() {
		return errors.New("bus closed")
	}
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	var decoded wire.Message
	if err := decoded.UnmarshalBinary(data); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	deliveries := 1
	if b.duplicate {
		deliveries = 2
	}
	for _, sub := range b.subs[topic] {
		for i := 0; i < deliveries; i++ {
			select {
			case sub <- decoded:
			default:
				return errors.New("subscriber buffer full")
			}
		}
	}
	return nil
}

// Subscribe returns a buffered receive channel for the topic.
func (b *LocalBus) Subscribe(topic string) (<-chan wire.Message, error) {
	if b.closer.IsClosed() {
		return nil, errors.New("bus closed")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan wire.Message, DefaultBufferSize)
	b.subs[topic] = append(b.subs[topic], ch)
	return ch, nil
}

// Close shuts the bus down and closes all subscriptions.
func (b *LocalBus) Close() error {
	if err := b.closer.Close(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan wire.Message)
	return nil
}
