package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// maxPendingBytes flushes an unterminated line once it grows this large.
const maxPendingBytes = 64 * 1024

type logLine struct {
	JobID string `json:"jobId"`
	Text  string `json:"text"`
}

// publisher sends each complete line written to it to a pub/sub channel.
// Publish errors are dropped: nobody may be listening.
type publisher struct {
	ctx     context.Context
	client  *redis.Client
	channel string
	jobID   string

	mu      sync.Mutex
	pending []byte
}

func newPublisher(ctx context.Context, client *redis.Client, channel, jobID string) *publisher {
	return &publisher{ctx: ctx, client: client, channel: channel, jobID: jobID}
}

func (p *publisher) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = append(p.pending, b...)
	for {
		i := bytes.IndexByte(p.pending, '\n')
		if i < 0 {
			break
		}
		p.publish(p.pending[:i])
		p.pending = p.pending[i+1:]
	}
	if len(p.pending) >= maxPendingBytes {
		p.publish(p.pending)
		p.pending = nil
	}
	return len(b), nil
}

// Flush publishes any unterminated trailing line.
func (p *publisher) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) > 0 {
		p.publish(p.pending)
		p.pending = nil
	}
}

func (p *publisher) publish(text []byte) {
	msg, err := json.Marshal(logLine{JobID: p.jobID, Text: string(text)})
	if err != nil {
		return
	}
	p.client.Publish(p.ctx, p.channel, msg)
}
