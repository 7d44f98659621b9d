package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/models"
	"github.com/raphaelgruber/compendium/internal/service"
)

// duplicateWindow lets JetStream drop a republished message for the same
// attempt of a job.
const duplicateWindow = 2 * time.Minute

// JobMessage is the work queue payload.
type JobMessage struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
}

// Connect dials NATS and returns a JetStream handle. The caller closes the
// connection.
func Connect(cfg config.NATSConfig, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("compendium"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the work queue stream or updates it to match cfg.
func EnsureStream(ctx context.Context, js jetstream.JetStream, cfg config.NATSConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: duplicateWindow,
		Discard:    jetstream.DiscardOld,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// Publisher announces runnable jobs on the work queue.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// NewPublisher creates a Publisher.
func NewPublisher(js jetstream.JetStream, cfg config.NATSConfig) *Publisher {
	return &Publisher{js: js, subject: cfg.Subject}
}

// Publish enqueues job. The message ID includes the retry count so an
// explicit retry is not dropped as a duplicate of the first attempt.
func (p *Publisher) Publish(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(JobMessage{JobID: job.ID, Attempt: job.RetryCount})
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	msgID := fmt.Sprintf("%s.%d", job.ID, job.RetryCount)
	if _, err := p.js.Publish(ctx, p.subject, data, jetstream.WithMsgID(msgID)); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	return nil
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithRedeliveryDelay sets how long a message waits before redelivery when
// its outcome could not be recorded.
func WithRedeliveryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.redeliveryDelay = d }
}

// WithAckWait overrides the consumer ack wait, which defaults to the lease
// duration.
func WithAckWait(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.ackWait = d }
}

// Consumer runs jobs delivered by the work queue. A message is acked only
// after the job reached a durable state, so a crashed worker's message is
// redelivered.
type Consumer struct {
	js     jetstream.JetStream
	cfg    config.NATSConfig
	worker config.WorkerConfig
	runner JobRunner
	logger *slog.Logger

	ackWait         time.Duration
	redeliveryDelay time.Duration
}

// NewConsumer creates a Consumer.
func NewConsumer(js jetstream.JetStream, cfg config.NATSConfig, worker config.WorkerConfig, runner JobRunner, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if worker.Concurrency < 1 {
		worker.Concurrency = 1
	}
	c := &Consumer{
		js:              js,
		cfg:             cfg,
		worker:          worker,
		runner:          runner,
		logger:          logger.With("component", "consumer"),
		ackWait:         worker.LeaseDuration,
		redeliveryDelay: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ackWait <= 0 {
		c.ackWait = 10 * time.Minute
	}
	return c
}

func (c *Consumer) String() string { return "job-consumer" }

// Serve implements suture.Service.
func (c *Consumer) Serve(ctx context.Context) error {
	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       c.cfg.Durable,
		FilterSubject: c.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.ackWait,
		MaxAckPending: c.worker.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", c.cfg.Durable, err)
	}

	slots := make(chan struct{}, c.worker.Concurrency)
	var wg sync.WaitGroup
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			_ = msg.Nak()
			return
		}
		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			c.handle(ctx, msg)
		}()
	}, jetstream.PullMaxMessages(c.worker.Concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Subject, err)
	}

	c.logger.Info("consuming jobs", "stream", c.cfg.Stream, "subject", c.cfg.Subject, "concurrency", c.worker.Concurrency)
	<-ctx.Done()
	cc.Stop()
	<-cc.Closed()
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	var m JobMessage
	if err := json.Unmarshal(msg.Data(), &m); err != nil || m.JobID == "" {
		c.logger.Error("dropping malformed job message", "error", err, "data", string(msg.Data()))
		c.settle(msg.Term(), "term")
		return
	}

	stop := c.heartbeat(ctx, msg)
	disp, err := runJob(ctx, c.runner, c.worker.JobTimeout, m.JobID, c.logger)
	stop()

	switch {
	case err != nil:
		c.settle(msg.NakWithDelay(c.redeliveryDelay), "nak")
	case disp == service.DispositionReleased:
		c.settle(msg.Nak(), "nak")
	default:
		c.settle(msg.Ack(), "ack")
	}
}

// heartbeat keeps the message from being redelivered while the job runs.
func (c *Consumer) heartbeat(ctx context.Context, msg jetstream.Msg) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.ackWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					c.logger.Warn("extend ack deadline", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (c *Consumer) settle(err error, action string) {
	if err != nil && !errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
		c.logger.Warn("settle job message", "action", action, "error", err)
	}
}
