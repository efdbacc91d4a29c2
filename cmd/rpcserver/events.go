package main

import (
	"log/slog"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
)

// natsPubSub connects a core NATS publisher and subscriber. JetStream is
// off: events are fire-and-forget and every node must see every subject.
func natsPubSub(url string, log *slog.Logger) (message.Publisher, message.Subscriber, error) {
	logger := watermill.NewSlogLogger(log)
	marshaler := &nats.NATSMarshaler{}

	pub, err := nats.NewPublisher(nats.PublisherConfig{
		URL:       url,
		Marshaler: marshaler,
		JetStream: nats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	sub, err := nats.NewSubscriber(nats.SubscriberConfig{
		URL:         url,
		Unmarshaler: marshaler,
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	return pub, sub, nil
}

// natsSubject turns the Redis-style events prefix into a NATS subject.
// "rpc:events:" becomes "rpc.events".
func natsSubject(prefix string) string {
	s := strings.Trim(strings.ReplaceAll(prefix, ":", "."), ".")
	if s == "" {
		return "rpc.events"
	}
	return s
}
