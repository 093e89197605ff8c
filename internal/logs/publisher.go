// Package logs fans build output out to the live pub/sub channel and the
// persistent log store.
package logs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/praveen70140/PageForge/internal/build"
	"github.com/praveen70140/PageForge/internal/domain"
	"github.com/praveen70140/PageForge/internal/repository"
)

const deliveryTimeout = 5 * time.Second

// Broker publishes payloads on a named channel.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisBroker publishes over Redis pub/sub.
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps a Redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Publish sends payload on channel.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// Message is the wire shape delivered on a deployment's log channel.
type Message struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deploymentId"`
	Data         any    `json:"data"`
}

type logData struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
}

type statusData struct {
	Status string `json:"status"`
}

// Publisher persists log entries and publishes them for live streaming.
// Log delivery runs through a bounded queue so a slow store or broker never
// stalls the stream-processing hot path; overflow is counted, not blocked
// on. Entries are delivered in enqueue order.
type Publisher struct {
	repo    repository.LogRepository
	broker  Broker
	logger  *slog.Logger
	queue   chan domain.LogEntry
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewPublisher starts a Publisher with the given queue capacity.
func NewPublisher(repo repository.LogRepository, broker Broker, logger *slog.Logger, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	p := &Publisher{
		repo:   repo,
		broker: broker,
		logger: logger,
		queue:  make(chan domain.LogEntry, buffer),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Log enqueues one line for persistence and live delivery. It never blocks;
// when the queue is full the entry is dropped and counted.
func (p *Publisher) Log(deploymentID, stream, line string) {
	if p.closed.Load() {
		return
	}
	entry := domain.LogEntry{
		DeploymentID: deploymentID,
		Timestamp:    time.Now().UTC(),
		Stream:       stream,
		Line:         line,
	}
	select {
	case p.queue <- entry:
	default:
		p.dropped.Add(1)
	}
}

// System enqueues an informational line on the system stream.
func (p *Publisher) System(deploymentID, line string) {
	p.Log(deploymentID, domain.StreamSystem, line)
}

// Status publishes a status change synchronously. Status messages are not
// persisted to the log store; the deployment record is the durable copy.
func (p *Publisher) Status(ctx context.Context, deploymentID, status string) error {
	payload, err := json.Marshal(Message{
		Type:         "status",
		DeploymentID: deploymentID,
		Data:         statusData{Status: status},
	})
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, build.LogsChannel(deploymentID), payload)
}

// Dropped reports how many entries were discarded due to a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

// Close drains the queue and stops the delivery worker.
func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.queue)
	p.wg.Wait()
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for entry := range p.queue {
		p.deliver(entry)
	}
}

// deliver writes one entry to the store and the live channel. Failures are
// logged and skipped so subsequent entries keep flowing.
func (p *Publisher) deliver(entry domain.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	if p.repo != nil {
		if err := p.repo.AppendLog(ctx, entry); err != nil && p.logger != nil {
			p.logger.Warn("persist log line failed", "deployment_id", entry.DeploymentID, "error", err)
		}
	}

	payload, err := json.Marshal(Message{
		Type:         "log",
		DeploymentID: entry.DeploymentID,
		Data: logData{
			Timestamp: entry.Timestamp,
			Stream:    entry.Stream,
			Line:      entry.Line,
		},
	})
	if err != nil {
		return
	}
	if err := p.broker.Publish(ctx, build.LogsChannel(entry.DeploymentID), payload); err != nil && p.logger != nil {
		p.logger.Warn("publish log line failed", "deployment_id", entry.DeploymentID, "error", err)
	}
}
