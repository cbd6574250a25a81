/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	zerv "github.com/z-open/zerv-core"
)

// LogoutEvent announces an origin logout to the rest of the cluster. The
// originating instance tags it with its own id so it can drop the echo.
type LogoutEvent struct {
	Origin       string `json:"origin"`
	LogoutReason string `json:"logoutReason"`
	ZervServerID string `json:"zervServerId"`
}

// Bus carries logout events between the instances of a cluster.
type Bus interface {
	// PublishLogout announces the event to every instance.
	PublishLogout(ctx context.Context, event LogoutEvent) error
	// SubscribeLogout delivers incoming events, own ones included, to
	// the handler until the returned stop function is called.
	SubscribeLogout(handler func(LogoutEvent)) (stop func(), err error)
}

// RedisBus is a Bus over a redis pub/sub channel.
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// NewRedisBus builds a bus on an established redis client.
func NewRedisBus(client redis.UniversalClient) (*RedisBus, error) {
	if client == nil {
		return nil, trace.BadParameter("missing parameter client")
	}
	return &RedisBus{
		client: client,
		logger: slog.With(zerv.ComponentKey, zerv.ComponentSessions),
	}, nil
}

// PublishLogout implements Bus.
func (b *RedisBus) PublishLogout(ctx context.Context, event LogoutEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := b.client.Publish(ctx, zerv.SessionLogoutChannel, data).Err(); err != nil {
		return trace.ConnectionProblem(err, "failed to publish logout event")
	}
	return nil
}

// SubscribeLogout implements Bus.
func (b *RedisBus) SubscribeLogout(handler func(LogoutEvent)) (func(), error) {
	sub := b.client.Subscribe(context.Background(), zerv.SessionLogoutChannel)
	if _, err := sub.Receive(context.Background()); err != nil {
		sub.Close()
		return nil, trace.ConnectionProblem(err, "failed to subscribe to logout events")
	}
	go func() {
		for msg := range sub.Channel() {
			var event LogoutEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.logger.Warn("Dropping malformed logout event.", "error", err)
				continue
			}
			handler(event)
		}
	}()
	return func() { sub.Close() }, nil
}

// MemoryBus is an in-process Bus connecting managers of the same test.
type MemoryBus struct {
	mu       sync.Mutex
	nextID   int64
	handlers map[int64]func(LogoutEvent)
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int64]func(LogoutEvent))}
}

// PublishLogout implements Bus.
func (b *MemoryBus) PublishLogout(ctx context.Context, event LogoutEvent) error {
	b.mu.Lock()
	handlers := make([]func(LogoutEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
	return nil
}

// SubscribeLogout implements Bus.
func (b *MemoryBus) SubscribeLogout(handler func(LogoutEvent)) (func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}
