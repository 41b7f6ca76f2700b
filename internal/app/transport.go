package app

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"jobline/internal/broker/amqp"
	"jobline/internal/broker/kafka"
	"jobline/internal/broker/memory"
	"jobline/internal/config"
	"jobline/internal/events"
)

// NewTransport builds the broker adapter selected by cfg.Driver.
func NewTransport(cfg config.Broker, log logrus.FieldLogger) (events.Transport, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "amqp":
		return amqp.New(amqp.Config{URL: cfg.URL, Exchange: cfg.Exchange, Prefetch: cfg.Prefetch}, log)
	case "kafka":
		return kafka.New(kafka.Config{Brokers: cfg.Brokers, Topic: cfg.Exchange}, log)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}
