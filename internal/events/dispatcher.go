package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/avaguard/internal/observability"
)

// Config holds dispatcher settings.
type Config struct {
	// BufferSize is the number of events held before new ones are dropped.
	BufferSize int `yaml:"bufferSize" json:"buffer_size"`

	// BatchSize triggers a flush when that many events are pending.
	BatchSize int `yaml:"batchSize" json:"batch_size"`

	// FlushInterval is the longest an event waits before a flush.
	FlushInterval time.Duration `yaml:"flushInterval" json:"flush_interval"`

	// WriteTimeout bounds one Write call on one sink.
	WriteTimeout time.Duration `yaml:"writeTimeout" json:"write_timeout"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		BufferSize:    10000,
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// event is the buffered form of either event kind.
type event struct {
	usage  UsageEvent
	signal AbuseSignal
	kind   Kind
}

// Stats are the dispatcher counters. Written and Failed count once per sink.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Written   uint64 `json:"written"`
	Failed    uint64 `json:"failed"`
}

// Dispatcher buffers events and writes them to every sink in batches.
// Publishing never blocks: when the buffer is full the event is dropped
// and counted.
type Dispatcher struct {
	config  Config
	sinks   []Sink
	logger  observability.Logger
	metrics *observability.Metrics

	events chan event

	published atomic.Uint64
	dropped   atomic.Uint64
	written   atomic.Uint64
	failed    atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher over sinks. Events are buffered from
// the start but only written once Start is called.
func NewDispatcher(config Config, sinks []Sink, opts ...Option) *Dispatcher {
	config.normalize()
	d := &Dispatcher{
		config: config,
		sinks:  sinks,
		logger: observability.NopLogger(),
		events: make(chan event, config.BufferSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the flush loop until ctx is done or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

// Close stops the loop after a final flush of everything buffered.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	if started {
		d.cancel()
		<-d.done
	}
	// The loop may have stopped early with its context.
	d.flushAll()
	return nil
}

// PublishUsage implements Publisher.
func (d *Dispatcher) PublishUsage(e UsageEvent) bool {
	return d.publish(event{kind: KindUsage, usage: e})
}

// PublishAbuse implements Publisher.
func (d *Dispatcher) PublishAbuse(s AbuseSignal) bool {
	return d.publish(event{kind: KindAbuse, signal: s})
}

func (d *Dispatcher) publish(e event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(e.kind)
		return false
	}
	select {
	case d.events <- e:
		d.published.Add(1)
		return true
	default:
		d.drop(e.kind)
		return false
	}
}

func (d *Dispatcher) drop(kind Kind) {
	d.dropped.Add(1)
	d.metrics.RecordEventDropped(string(kind))
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Dropped:   d.dropped.Load(),
		Written:   d.written.Load(),
		Failed:    d.failed.Load(),
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	var batch Batch
	for {
		select {
		case e := <-d.events:
			batch.add(e)
			if batch.Len() >= d.config.BatchSize {
				d.write(batch)
				batch = Batch{}
			}

		case <-ticker.C:
			if batch.Len() > 0 {
				d.write(batch)
				batch = Batch{}
			}

		case <-ctx.Done():
			d.drain(&batch)
			if batch.Len() > 0 {
				d.write(batch)
			}
			return
		}
	}
}

// drain moves everything buffered into batch, writing full batches.
func (d *Dispatcher) drain(batch *Batch) {
	for {
		select {
		case e := <-d.events:
			batch.add(e)
			if batch.Len() >= d.config.BatchSize {
				d.write(*batch)
				*batch = Batch{}
			}
		default:
			return
		}
	}
}

// flushAll writes whatever is buffered once no loop is running.
func (d *Dispatcher) flushAll() {
	var batch Batch
	d.drain(&batch)
	if batch.Len() > 0 {
		d.write(batch)
	}
}

func (b *Batch) add(e event) {
	switch e.kind {
	case KindAbuse:
		b.Signals = append(b.Signals, e.signal)
	default:
		b.Usage = append(b.Usage, e.usage)
	}
}

// write hands batch to every sink. A failing sink does not stop the others.
func (d *Dispatcher) write(batch Batch) {
	n := batch.Len()
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.WriteTimeout)
		err := sink.Write(ctx, batch)
		cancel()

		if err != nil {
			d.failed.Add(uint64(n))
			d.metrics.RecordSinkError(sink.Name())
			d.logger.Warn("failed to write events",
				observability.String("sink", sink.Name()),
				observability.Int("events", n),
				observability.Error(err),
			)
			continue
		}
		d.written.Add(uint64(n))
		d.metrics.RecordEventsWritten(sink.Name(), n)
	}
}
