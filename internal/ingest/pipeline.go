// Package ingest runs the per-message control flow: dequeue, normalize,
// persist, evaluate alarms.
package ingest

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"citysense-cloud/internal/observability/metrics"
	"citysense-cloud/internal/telemetry/normalize"

	subscriptions "citysense-cloud/internal/subscriptions/domain"
	telemetry "citysense-cloud/internal/telemetry/domain"
)

const (
	// DefaultQueueSize bounds the gap between message receipt and
	// processing so a slow database cannot grow memory without limit.
	DefaultQueueSize = 256

	// DefaultWorkers keeps create/resolve interleavings rare; the alarm
	// engine's per-key locks make them safe regardless.
	DefaultWorkers = 4

	// DefaultDrainGrace is how long shutdown waits for queued and
	// in-flight messages before abandoning them.
	DefaultDrainGrace = 10 * time.Second
)

// Evaluator applies a normalized reading to the alarm state machine.
type Evaluator interface {
	Evaluate(ctx context.Context, topic string, reading *telemetry.Reading)
}

// Subscriber is the broker surface the pipeline drives.
type Subscriber interface {
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

type message struct {
	topic   string
	payload []byte
}

// Pipeline wires the subscriber to the reading store and the alarm engine
// through a bounded queue.
type Pipeline struct {
	store     telemetry.ReadingRepository
	evaluator Evaluator
	subs      subscriptions.Repository
	broker    Subscriber
	logger    *log.Logger

	queue      chan message
	workers    int
	drainGrace time.Duration

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	closed    chan struct{}
}

// Option customizes the pipeline.
type Option func(*Pipeline)

// WithQueueSize overrides the bounded queue capacity.
func WithQueueSize(size int) Option {
	return func(p *Pipeline) {
		if size > 0 {
			p.queue = make(chan message, size)
		}
	}
}

// WithWorkers overrides the worker count.
func WithWorkers(workers int) Option {
	return func(p *Pipeline) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithDrainGrace overrides the shutdown drain window.
func WithDrainGrace(grace time.Duration) Option {
	return func(p *Pipeline) {
		if grace > 0 {
			p.drainGrace = grace
		}
	}
}

// New constructs a pipeline.
func New(store telemetry.ReadingRepository, evaluator Evaluator, subs subscriptions.Repository, broker Subscriber, logger *log.Logger, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("ingest: nil reading store")
	}
	if evaluator == nil {
		return nil, errors.New("ingest: nil evaluator")
	}
	if subs == nil {
		return nil, errors.New("ingest: nil subscription repository")
	}
	if broker == nil {
		return nil, errors.New("ingest: nil broker")
	}
	if logger == nil {
		logger = log.Default()
	}
	pipeline := &Pipeline{
		store:      store,
		evaluator:  evaluator,
		subs:       subs,
		broker:     broker,
		logger:     logger,
		queue:      make(chan message, DefaultQueueSize),
		workers:    DefaultWorkers,
		drainGrace: DefaultDrainGrace,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(pipeline)
	}
	return pipeline, nil
}

// Start launches the workers and subscribes to every active topic on
// record. Topics that fail to subscribe are logged and skipped; the rest of
// the set still comes up.
func (p *Pipeline) Start(ctx context.Context) error {
	var startErr error
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.work()
		}

		topics, err := p.subs.ListActiveTopics(ctx)
		if err != nil {
			startErr = err
			return
		}
		for _, topic := range topics {
			if err := p.broker.Subscribe(topic, p.Enqueue); err != nil {
				p.logger.Printf("ingest: subscribe %q failed: %v", topic, err)
			}
		}
		p.logger.Printf("ingest: following %d topic(s)", len(topics))
	})
	return startErr
}

// Enqueue accepts one inbound message. It blocks while the queue is full,
// which pushes backpressure onto the broker client, and drops the message
// once shutdown has begun.
func (p *Pipeline) Enqueue(topic string, payload []byte) {
	msg := message{topic: topic, payload: payload}
	select {
	case <-p.closed:
		return
	default:
	}
	select {
	case p.queue <- msg:
	case <-p.closed:
	}
}

// Subscribe adds a live subscription and persists it.
func (p *Pipeline) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errors.New("ingest: empty topic")
	}
	if err := p.subs.Add(ctx, topic); err != nil {
		return err
	}
	return p.broker.Subscribe(topic, p.Enqueue)
}

// Unsubscribe drops a live subscription and removes it from the store. It
// reports whether the subscription existed.
func (p *Pipeline) Unsubscribe(ctx context.Context, topic string) (bool, error) {
	if topic == "" {
		return false, errors.New("ingest: empty topic")
	}
	existed, err := p.subs.Remove(ctx, topic)
	if err != nil {
		return false, err
	}
	if err := p.broker.Unsubscribe(topic); err != nil {
		p.logger.Printf("ingest: unsubscribe %q failed: %v", topic, err)
	}
	return existed, nil
}

// Stop stops accepting messages and waits up to the drain grace for queued
// and in-flight work to finish. The queue channel is never closed so a late
// Enqueue can never panic; workers drain it and exit once it runs dry.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.closed)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.drainGrace):
			p.logger.Printf("ingest: drain grace elapsed, abandoning queued messages")
		}
	})
}

func (p *Pipeline) work() {
	defer p.wg.Done()
	for {
		select {
		case msg := <-p.queue:
			p.process(msg)
		case <-p.closed:
			for {
				select {
				case msg := <-p.queue:
					p.process(msg)
				default:
					return
				}
			}
		}
	}
}

// process runs one message through normalize, persist, evaluate. A store
// failure is logged but evaluation still runs on the in-memory reading, so
// threshold detection does not depend on successful persistence.
func (p *Pipeline) process(msg message) {
	started := time.Now()
	ctx := context.Background()

	reading, err := normalize.Payload(msg.payload)
	if err != nil {
		p.logger.Printf("ingest: dropping message on %q: %v", msg.topic, err)
		metrics.IncIngestError("malformed_payload")
		metrics.ObserveIngest(metrics.IngestResultError, time.Since(started))
		return
	}

	if err := p.store.Insert(ctx, reading); err != nil {
		p.logger.Printf("ingest: persisting reading from %q failed: %v", msg.topic, err)
		metrics.IncIngestError("store")
	}

	p.evaluator.Evaluate(ctx, msg.topic, reading)
	metrics.ObserveIngest(metrics.IngestResultSuccess, time.Since(started))
}
