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
	"errors"
	"maps"
	"time"
)

var (
	ErrInvalidNotification = errors.New("invalid notification")
	ErrNotFound            = errors.New("notification not found")
	ErrUnknownChannel      = errors.New("no sender for channel")
)

// Channel is the delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelWhatsApp:
		return true
	}
	return false
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// rank orders priorities for draining; lower drains first. Unknown
// priorities rank after low.
func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

func (p Priority) Valid() bool {
	return p.rank() < 4
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no automatic transition leaves this status.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Notification is one outbound message and its delivery state.
type Notification struct {
	ID            string            `json:"id"`
	Channel       Channel           `json:"type"`
	Recipient     string            `json:"recipient"`
	Subject       string            `json:"subject,omitempty"`
	Message       string            `json:"message"`
	Priority      Priority          `json:"priority"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	ScheduledFor  *time.Time        `json:"scheduledFor,omitempty"`
	Attempts      int               `json:"attempts"`
	MaxAttempts   int               `json:"maxAttempts"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	Status        Status            `json:"status"`

	seq uint64
}

// clone returns a deep copy that shares nothing with n.
func (n *Notification) clone() Notification {
	c := *n
	c.Metadata = maps.Clone(n.Metadata)
	if n.ScheduledFor != nil {
		t := *n.ScheduledFor
		c.ScheduledFor = &t
	}
	if n.LastAttemptAt != nil {
		t := *n.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return c
}

// dueAt is when the notification became eligible for delivery.
func (n *Notification) dueAt() time.Time {
	if n.ScheduledFor != nil {
		return *n.ScheduledFor
	}
	return n.CreatedAt
}

// Request is the caller-supplied part of a notification.
type Request struct {
	Channel      Channel
	Recipient    string
	Subject      string
	Message      string
	Priority     Priority
	Metadata     map[string]string
	ScheduledFor *time.Time
	// MaxAttempts of zero selects the queue's configured default.
	MaxAttempts int
}

// Sender delivers one notification. It receives a copy and may not retain
// it across calls.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, n Notification) error

func (f SenderFunc) Send(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Stats counts notifications by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// DrainResult summarises one pass over the queue.
type DrainResult struct {
	Selected int `json:"selected"`
	Sent     int `json:"sent"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	// Skipped counts selected notifications that were no longer pending when
	// their turn came, or that the pass did not reach.
	Skipped int `json:"skipped"`
}
