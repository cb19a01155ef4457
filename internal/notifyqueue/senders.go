// Copyright (C) 2025-2026 The Birding Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package notifyqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Router sends each notification through the sender registered for its
// channel.
type Router struct {
	mu      sync.RWMutex
	senders map[Channel]Sender
}

var _ Sender = (*Router)(nil)

func NewRouter() *Router {
	return &Router{senders: make(map[Channel]Sender)}
}

// Handle registers s for ch, replacing any earlier registration.
func (r *Router) Handle(ch Channel, s Sender) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
	return r
}

func (r *Router) Send(ctx context.Context, n Notification) error {
	r.mu.RLock()
	s, ok := r.senders[n.Channel]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownChannel, n.Channel)
	}
	return s.Send(ctx, n)
}

// LogSender only logs. It stands in for real providers in development.
type LogSender struct {
	ll *slog.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(ll *slog.Logger) *LogSender {
	if ll == nil {
		ll = slog.Default()
	}
	return &LogSender{ll: ll.With("component", "log-sender")}
}

func (s *LogSender) Send(_ context.Context, n Notification) error {
	s.ll.Info("Delivering notification",
		slog.String("id", n.ID),
		slog.String("channel", string(n.Channel)),
		slog.String("recipient", n.Recipient),
		slog.String("priority", string(n.Priority)),
		slog.String("subject", n.Subject),
		slog.Int("attempt", n.Attempts))
	return nil
}
