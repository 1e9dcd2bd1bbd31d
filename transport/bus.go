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

// Package transport carries protocol messages between channel participants.
// Delivery is at-least-once and unordered; the channel protocol tolerates
// duplicates and reordering by construction.
package transport

import (
	"perun.network/stellar-multichannel/wire"
)

// Bus delivers protocol messages by topic. The engine uses one topic per
// channel, keyed by the channel ID string.
type Bus interface {
	// Publish delivers msg to all subscribers of the topic.
	Publish(topic string, msg wire.Message) error
	// Subscribe returns a receive channel for the topic.
	Subscribe(topic string) (<-chan wire.Message, error)
	// Close shuts the bus down and closes all subscriptions.
	Close() error
}
