// Package publisher implements the job-source side of the bus: Submit
// resolves a job's topic and message properties the way the original
// client.py's submit() did, then hands the encoded message to a background
// drain loop that owns the actual AMQP connection. The drain loop
// reconnects on failure and tail-requeues the message it was holding when
// the connection dropped, so publishing never blocks the caller on broker
// availability — at the cost of a brief at-least-once delivery loss window
// if the process is killed while a message sits in the local queue (see
// SPEC_FULL.md's publisher section for the documented tradeoff).
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/naojsoft/datasink/internal/errs"
	"github.com/naojsoft/datasink/internal/job"
	"github.com/naojsoft/datasink/internal/metrics"
)

// Options configures a Publisher.
type Options struct {
	URL             string
	Realm           string
	SourceName      string
	DefaultTopic    string
	MessagePersist  bool
	TTLSec          int
	RecoverInterval time.Duration
	QueueSize       int
	Logger          *zap.Logger
}

type pendingMessage struct {
	topic string
	body  []byte
}

// Publisher submits jobs to the realm exchange.
type Publisher struct {
	opts Options

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	pending chan pendingMessage
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Publisher and starts its background drain loop.
func New(opts Options) *Publisher {
	if opts.QueueSize == 0 {
		opts.QueueSize = 256
	}
	if opts.RecoverInterval == 0 {
		opts.RecoverInterval = 60 * time.Second
	}
	if opts.DefaultTopic == "" {
		opts.DefaultTopic = "general"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Publisher{
		opts:    opts,
		pending: make(chan pendingMessage, opts.QueueSize),
		stopCh:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drainLoop()
	return p
}

// Submit builds the wire packet for j (stamping time_origin and
// source_origin, resolving its topic) and enqueues it for delivery. It
// blocks while the local queue is full, and returns an error if the job
// cannot be encoded, if ctx is done before the job is queued, or if the
// publisher has been closed; broker connectivity problems are handled
// asynchronously by the drain loop.
func (p *Publisher) Submit(ctx context.Context, j *job.Job, explicitTopic string) error {
	pkt, err := j.MarshalJSON()
	if err != nil {
		return fmt.Errorf("publisher: marshal job: %w", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(pkt, &asMap); err != nil {
		return fmt.Errorf("publisher: re-decode job: %w", err)
	}
	asMap["time_origin"] = float64(time.Now().UnixNano()) / 1e9
	asMap["source_origin"] = p.opts.SourceName

	body, err := json.Marshal(asMap)
	if err != nil {
		return fmt.Errorf("publisher: marshal packet: %w", err)
	}

	topic := explicitTopic
	if topic == "" {
		topic = j.Topic
	}
	if topic == "" {
		topic = p.opts.DefaultTopic
	}

	msg := pendingMessage{topic: topic, body: body}

	select {
	case p.pending <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return errs.ErrChannelClosed
	}
}

func (p *Publisher) drainLoop() {
	defer p.wg.Done()

	var held *pendingMessage

	for {
		if held == nil {
			select {
			case <-p.stopCh:
				return
			case m := <-p.pending:
				held = &m
			}
		}

		ch, err := p.channelFor()
		if err != nil {
			p.opts.Logger.Warn("publisher cannot reach broker, will retry",
				zap.Error(err), zap.Duration("retry_in", p.opts.RecoverInterval))
			metrics.ReconnectsTotal.WithLabelValues("publisher").Inc()
			select {
			case <-p.stopCh:
				return
			case <-time.After(p.opts.RecoverInterval):
			}
			continue
		}

		if err := p.publishOne(ch, *held); err != nil {
			p.opts.Logger.Warn("publish failed, requeuing and retrying",
				zap.Error(err), zap.String("topic", held.topic))
			metrics.PublishRequeuedTotal.Inc()
			p.invalidateChannel()

			failed := *held
			held = nil
			select {
			case p.pending <- failed:
			default:
				// local queue is full; hold onto it directly rather than
				// drop it, same as if it had never left held.
				held = &failed
			}

			select {
			case <-p.stopCh:
				return
			case <-time.After(p.opts.RecoverInterval):
			}
			continue
		}

		metrics.PublishedTotal.WithLabelValues(held.topic).Inc()
		held = nil
	}
}

func (p *Publisher) publishOne(ch *amqp.Channel, msg pendingMessage) error {
	props := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        msg.body,
	}
	if p.opts.MessagePersist {
		props.DeliveryMode = amqp.Persistent
	}
	if p.opts.TTLSec > 0 {
		props.Expiration = fmt.Sprintf("%d", p.opts.TTLSec*1000)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return ch.PublishWithContext(ctx, p.opts.Realm, msg.topic, false, false, props)
}

func (p *Publisher) channelFor() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		return p.channel, nil
	}

	conn, err := amqp.Dial(p.opts.URL)
	if err != nil {
		return nil, errs.NewTransportError("dial", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.NewTransportError("open channel", err)
	}

	p.conn, p.channel = conn, ch
	return ch, nil
}

func (p *Publisher) invalidateChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close stops the drain loop. Any message currently held for retry is
// lost; messages still sitting in the local queue are also lost. This is
// the documented at-least-once loss window.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
	p.invalidateChannel()
	return nil
}
