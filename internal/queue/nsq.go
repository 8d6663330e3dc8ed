package queue

import (
	"context"
	"errors"
	"time"

	nsq "github.com/nsqio/go-nsq"

	"tgblast/pkg/logx"
)

// NSQConfig configures the NSQ driver for multi-node deployments.
// At least one of NsqdAddr / LookupdAddrs must be set on the consumer side.
type NSQConfig struct {
	Topic        string
	Channel      string
	NsqdAddr     string
	LookupdAddrs []string
	MaxInFlight  int
}

// NSQProducer publishes delivery jobs to nsqd. Delays map to NSQ deferred
// publishes.
type NSQProducer struct {
	p     *nsq.Producer
	topic string
}

func NewNSQProducer(cfg NSQConfig) (*NSQProducer, error) {
	if cfg.Topic == "" {
		return nil, errors.New("nsq topic is required")
	}
	if cfg.NsqdAddr == "" {
		return nil, errors.New("nsqd address is required for publishing")
	}
	p, err := nsq.NewProducer(cfg.NsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQProducer{p: p, topic: cfg.Topic}, nil
}

func (n *NSQProducer) Publish(_ context.Context, payload []byte, delay time.Duration) error {
	if len(payload) == 0 {
		return errors.New("empty payload")
	}
	if delay > 0 {
		return n.p.DeferredPublish(n.topic, delay, payload)
	}
	return n.p.Publish(n.topic, payload)
}

func (n *NSQProducer) Stop() {
	if n.p != nil {
		n.p.Stop()
	}
}

// NSQConsumer feeds delivery jobs from nsqd to a handler. A handler error
// requeues the message (NSQ's own max-attempts applies), which is where the
// at-least-once semantics come from in distributed deployments.
type NSQConsumer struct {
	cfg NSQConfig
	log logx.Logger
}

func NewNSQConsumer(cfg NSQConfig, log logx.Logger) (*NSQConsumer, error) {
	if cfg.Topic == "" {
		return nil, errors.New("nsq topic is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("nsq channel is required")
	}
	if cfg.NsqdAddr == "" && len(cfg.LookupdAddrs) == 0 {
		return nil, errors.New("no nsqd address or lookupd configured")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NSQConsumer{cfg: cfg, log: log}, nil
}

func (n *NSQConsumer) Run(ctx context.Context, concurrency int, h Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	conf := nsq.NewConfig()
	if n.cfg.MaxInFlight > 0 {
		conf.MaxInFlight = n.cfg.MaxInFlight
	} else {
		conf.MaxInFlight = concurrency * 2
	}

	consumer, err := nsq.NewConsumer(n.cfg.Topic, n.cfg.Channel, conf)
	if err != nil {
		return err
	}

	consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(msg *nsq.Message) error {
		if err := h(ctx, msg.Body); err != nil {
			n.log.Warn("handler failed; requeueing", logx.Int("attempts", int(msg.Attempts)), logx.Err(err))
			return err
		}
		return nil
	}), concurrency)

	if len(n.cfg.LookupdAddrs) > 0 {
		err = consumer.ConnectToNSQLookupds(n.cfg.LookupdAddrs)
	} else {
		err = consumer.ConnectToNSQD(n.cfg.NsqdAddr)
	}
	if err != nil {
		consumer.Stop()
		return err
	}

	n.log.Info("nsq consumer started", logx.String("topic", n.cfg.Topic), logx.String("channel", n.cfg.Channel), logx.Int("concurrency", concurrency))

	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return ctx.Err()
}
