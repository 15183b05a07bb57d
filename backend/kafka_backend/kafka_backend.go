package kafkabackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/forensicweb/downloader/backend"
	"github.com/forensicweb/downloader/download"
)

// FlushTimeout is the timeout we give to our kafka producer
// to flush pending messages.
const FlushTimeout = 5000

// Backend publishes events by producing to a Kafka topic.
type Backend struct {
	producer *kafka.Producer
	reports  chan backend.Report
	eventsWg *sync.WaitGroup
}

// ID returns "kafka".
func (b *Backend) ID() string {
	return "kafka"
}

// Start starts the backend by creating a producer, given a set of
// librdkafka options provided by the configuration.
func (b *Backend) Start(ctx context.Context, cfg map[string]interface{}) error {
	var err error

	kafkaCfg, err := configMap(cfg)
	if err != nil {
		return err
	}

	b.producer, err = kafka.NewProducer(&kafkaCfg)
	if err != nil {
		return err
	}

	b.reports = make(chan backend.Report)
	b.eventsWg = new(sync.WaitGroup)

	// start a go routine to monitor Kafka's Events channel
	b.eventsWg.Add(1)
	go func() {
		defer b.eventsWg.Done()
		b.transformStream()
	}()

	return nil
}

// configMap converts the decoded JSON settings to librdkafka values.
func configMap(cfg map[string]interface{}) (kafka.ConfigMap, error) {
	kafkaCfg := make(kafka.ConfigMap)
	for k, v := range cfg {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = int(i)
			} else {
				v = n.String()
			}
		}
		if err := kafkaCfg.SetKey(k, v); err != nil {
			return nil, err
		}
	}
	return kafkaCfg, nil
}

// Notify produces a Kafka message keyed by the image id to topic.
func (b *Backend) Notify(topic string, ev download.Event) error {
	payload, err := ev.Bytes()
	if err != nil {
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.ImageID),
		Value:          payload,
	}

	return b.producer.Produce(message, nil)
}

// DeliveryReports returns a channel of emmited events
func (b *Backend) DeliveryReports() <-chan backend.Report {
	return b.reports
}

// Stop gracefully terminates b after flushing any outstanding messages to Kafka.
// An error is returned if (and only if) not all messages were flushed.
func (b *Backend) Stop() error {
	var err error

	unflushed := b.producer.Flush(FlushTimeout)
	if unflushed > 0 {
		err = fmt.Errorf("After %d ms there were still %d unflushed messages", FlushTimeout, unflushed)
	}

	b.producer.Close()
	b.eventsWg.Wait()
	close(b.reports)

	return err
}

// transformStream iterates over the Events channel of Kafka, transforms
// each delivered message back to its event and enqueues a report to
// b.reports channel.
func (b *Backend) transformStream() {
	for e := range b.producer.Events() {
		if m, ok := e.(*kafka.Message); ok {
			b.reports <- report(m)
		}
	}
}

func report(m *kafka.Message) backend.Report {
	var rep backend.Report

	if err := json.Unmarshal(m.Value, &rep.Event); err != nil {
		rep.DeliveryError = fmt.Sprintf("Could not unmarshall Value %s to event", m.Value)
		return rep
	}
	if m.TopicPartition.Error != nil {
		rep.DeliveryError = m.TopicPartition.Error.Error()
		return rep
	}

	rep.Delivered = true
	return rep
}
