// Package kafka streams monitor notifications to a Kafka topic.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"secmon/internal/config"
)

const dialTimeout = 10 * time.Second

var codecs = map[string]kafka.Compression{
	"gzip":   kafka.Gzip,
	"snappy": kafka.Snappy,
	"lz4":    kafka.Lz4,
	"zstd":   kafka.Zstd,
}

// compression maps a configured codec name to kafka-go's; unknown names
// disable compression.
func compression(name string) kafka.Compression { return codecs[name] }

var mechanisms = map[string]func(user, pass string) (sasl.Mechanism, error){
	"PLAIN": func(user, pass string) (sasl.Mechanism, error) {
		return plain.Mechanism{Username: user, Password: pass}, nil
	},
	"SCRAM-SHA-256": func(user, pass string) (sasl.Mechanism, error) {
		return scram.Mechanism(scram.SHA256, user, pass)
	},
	"SCRAM-SHA-512": func(user, pass string) (sasl.Mechanism, error) {
		return scram.Mechanism(scram.SHA512, user, pass)
	},
}

func saslMechanism(cfg config.KafkaConfig) (sasl.Mechanism, error) {
	build, ok := mechanisms[cfg.SASLMechanism]
	if !ok {
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
	return build(cfg.SASLUsername, cfg.SASLPassword)
}

// Validate checks the stream settings.
func Validate(cfg config.KafkaConfig) error {
	switch {
	case len(cfg.Brokers) == 0:
		return errors.New("kafka: at least one broker is required")
	case cfg.Topic == "":
		return errors.New("kafka: topic is required")
	case cfg.SASLMechanism == "":
		return nil
	}
	if _, ok := mechanisms[cfg.SASLMechanism]; !ok {
		return fmt.Errorf("kafka: unsupported SASL mechanism: %s", cfg.SASLMechanism)
	}
	if cfg.SASLUsername == "" || cfg.SASLPassword == "" {
		return errors.New("kafka: SASL username and password required for SASL authentication")
	}
	return nil
}

// transport carries the TLS and SASL settings shared by the writer and the
// admin client.
func transport(cfg config.KafkaConfig) (*kafka.Transport, error) {
	t := &kafka.Transport{DialTimeout: dialTimeout, ClientID: "secmon"}
	if cfg.TLSEnabled {
		t.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.SASLMechanism != "" {
		m, err := saslMechanism(cfg)
		if err != nil {
			return nil, err
		}
		t.SASL = m
	}
	return t, nil
}

// EnsureTopic creates the notification topic if it does not exist yet. The
// request is routed to the controller by the client.
func EnsureTopic(ctx context.Context, cfg config.KafkaConfig) error {
	t, err := transport(cfg)
	if err != nil {
		return err
	}
	client := &kafka.Client{Addr: kafka.TCP(cfg.Brokers...), Timeout: dialTimeout, Transport: t}

	resp, err := client.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Topics: []kafka.TopicConfig{{
			Topic:             cfg.Topic,
			NumPartitions:     max(cfg.Partitions, 1),
			ReplicationFactor: max(cfg.ReplicationFactor, 1),
		}},
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Topic, err)
	}
	if err := resp.Errors[cfg.Topic]; err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Topic, err)
	}
	return nil
}
