package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// ErrDiscard marks a message as unprocessable. The consumer commits its
// offset without retrying so a poison message cannot loop forever.
var ErrDiscard = errors.New("discard message")

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

type Consumer struct {
	brokers   []string
	group     string
	topic     string
	reconnect time.Duration
}

func NewConsumer(brokers []string, group, topic string) *Consumer {
	return &Consumer{
		brokers:   brokers,
		group:     group,
		topic:     topic,
		reconnect: 5 * time.Second,
	}
}

// Start consumes until ctx is cancelled. Offsets are committed manually:
// after h returns nil (processed) or ErrDiscard (poison). Any other handler
// error leaves the offset alone so the message is redelivered. Read errors
// tear the reader down and reconnect on a fixed interval, indefinitely.
func (c *Consumer) Start(ctx context.Context, h Handler) {
	for {
		if err := c.run(ctx, h); err != nil {
			log.Error().Err(err).Str("topic", c.topic).Msg("consumer disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Consumer) run(ctx context.Context, h Handler) error {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.group,
		Topic:          c.topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	defer r.Close()

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		err = h(ctx, m)
		switch {
		case err == nil:
		case errors.Is(err, ErrDiscard):
			log.Warn().Str("topic", c.topic).Int64("offset", m.Offset).Msg("discarding poison message")
		default:
			log.Error().Err(err).Str("topic", c.topic).Int64("offset", m.Offset).Msg("handler error, message will be redelivered")
			time.Sleep(200 * time.Millisecond) // backoff ringan
			continue
		}

		if err := r.CommitMessages(ctx, m); err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
	}
}
