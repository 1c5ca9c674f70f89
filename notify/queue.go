package notify

import (
	"context"
	"time"

	"tango_bot/logs"
)

// Sender delivers one message.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

// Queue decouples the control loop from slow delivery: Notify never blocks,
// Run delivers in order on its own goroutine.
type Queue struct {
	sender Sender
	prefix string
	ch     chan string
}

// NewQueue creates a queue holding up to size pending messages. prefix is prepended to each.
func NewQueue(sender Sender, prefix string, size int) *Queue {
	if size <= 0 {
		size = 64
	}
	return &Queue{sender: sender, prefix: prefix, ch: make(chan string, size)}
}

// Notify enqueues text, dropping it if the queue is full.
func (q *Queue) Notify(text string) {
	if q.prefix != "" {
		text = q.prefix + " " + text
	}
	select {
	case q.ch <- text:
	default:
		logs.Warnf("[Notify] Queue full, dropping message: %s", text)
	}
}

// Run delivers queued messages until ctx is done, then flushes what is left with a short deadline.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case text := <-q.ch:
			q.send(ctx, text)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case text := <-q.ch:
					q.send(flushCtx, text)
				default:
					return nil
				}
			}
		}
	}
}

func (q *Queue) send(ctx context.Context, text string) {
	if err := q.sender.SendText(ctx, text); err != nil {
		logs.Errorf("[Notify] Failed to deliver message: %v", err)
	}
}

// Nop discards notifications. Used when no chat is configured.
type Nop struct{}

func (Nop) Notify(string) {}
