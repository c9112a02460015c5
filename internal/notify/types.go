// Package notify delivers job lifecycle actions (telegram, log) through an async
// pipeline: bounded queue, worker pool, rate limit, retry and dedup.
package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled       = errors.New("notify disabled")
	ErrQueueFull      = errors.New("notify queue full")
	ErrStopped        = errors.New("notify stopped")
	ErrUnknownChannel = errors.New("unknown notify channel")
)

// Channel names as used in catalog actions.
const (
	ChannelTelegram = "telegram"
	ChannelLog      = "log"
)

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration

	// Log alerts (warn and above) are sent here when set.
	AlertChannel string
	AlertTarget  string
}

// Message is one delivery.
type Message struct {
	Channel string
	Target  string
	Text    string
	Trigger string
	Job     string
}

// Sender delivers text to a channel-specific target.
type Sender interface {
	Send(ctx context.Context, target, text string) error
}

type SenderFunc func(ctx context.Context, target, text string) error

func (f SenderFunc) Send(ctx context.Context, target, text string) error { return f(ctx, target, text) }

// Delivery is published on the event bus for sent, failed and dropped messages.
type Delivery struct {
	Channel string    `json:"channel"`
	Target  string    `json:"target,omitempty"`
	Trigger string    `json:"trigger,omitempty"`
	Job     string    `json:"job,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Text    string
}

type Snapshot struct {
	Enabled bool   `json:"enabled"`
	Running bool   `json:"running"`
	Queued  int    `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}
