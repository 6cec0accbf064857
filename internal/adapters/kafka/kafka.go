package kafka

import (
	"encoding/json"

	"github.com/IBM/sarama"

	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
)

// Publisher emits one record per successful source refresh to an audit
// topic, keyed by source so per-source ordering is preserved. It is an
// egress side-channel for analytics collaborators, not part of the client
// fan-out path.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
}

func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_0_0_0
	config.ClientID = "blaze-intelligence"

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}

	return &Publisher{producer: producer, topic: topic}, nil
}

// PublishRefresh implements connector.AuditPublisher.
func (p *Publisher) PublishRefresh(event connector.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Source),
		Value: sarama.ByteEncoder(data),
	})
	return err
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}
