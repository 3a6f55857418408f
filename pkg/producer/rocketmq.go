package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/lzyats/core-feed-go/pkg/event"
	"github.com/lzyats/core-feed-go/pkg/feed"
)

// RocketMQ publishes prefetch events. The underlying producer is started on
// first use so a misconfigured broker never blocks startup.
type RocketMQ struct {
	cfg feed.RocketMQSettings

	once sync.Once
	p    rmq.Producer
	err  error
}

func NewRocketMQ(cfg feed.RocketMQSettings) *RocketMQ {
	return &RocketMQ{cfg: cfg}
}

func (r *RocketMQ) init() {
	r.once.Do(func() {
		if r.err = Check(r.cfg); r.err != nil {
			return
		}
		opts := []producer.Option{
			producer.WithNameServer([]string{r.cfg.NameServer}),
			producer.WithGroupName(r.cfg.Producer.Group),
			producer.WithRetry(2),
		}
		// ACL: when access/secret provided.
		if r.cfg.Producer.AccessKey != "" || r.cfg.Producer.SecretKey != "" {
			opts = append(opts, producer.WithCredentials(primitive.Credentials{
				AccessKey: r.cfg.Producer.AccessKey,
				SecretKey: r.cfg.Producer.SecretKey,
			}))
		}
		prd, err := rmq.NewProducer(opts...)
		if err != nil {
			r.err = err
			return
		}
		if err := prd.Start(); err != nil {
			r.err = err
			return
		}
		r.p = prd
	})
}

// Check reports the first missing setting.
func Check(cfg feed.RocketMQSettings) error {
	switch {
	case cfg.NameServer == "":
		return fmt.Errorf("%w: rocketmq: missing name-server", feed.ErrNotConfigured)
	case cfg.Producer.Group == "":
		return fmt.Errorf("%w: rocketmq: missing producer.group", feed.ErrNotConfigured)
	case cfg.Topic == "":
		return fmt.Errorf("%w: rocketmq: missing topic", feed.ErrNotConfigured)
	}
	return nil
}

func (r *RocketMQ) Publish(ctx context.Context, evt *event.PrefetchEvent) error {
	if evt == nil {
		return fmt.Errorf("nil event")
	}
	r.init()
	if r.err != nil {
		return r.err
	}
	if evt.TS == 0 {
		evt.TS = time.Now().Unix()
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	if r.cfg.Tag != "" {
		m.WithTag(r.cfg.Tag)
	}
	m.WithKeys([]string{evt.Source})
	_, err = r.p.SendSync(ctx, m)
	return err
}

func (r *RocketMQ) PublishSummary(ctx context.Context, s feed.Summary) error {
	return r.Publish(ctx, event.FromSummary(s))
}

func (r *RocketMQ) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
