// Package kafka implements queue.Queue on a single Kafka topic. Every
// partition of the topic is consumed by one reader, and offsets are committed
// under a consumer group ID only up to the oldest message that has not been
// removed yet.
package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Config contains the settings needed to connect a Queue to Kafka.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string

	// ReadWait bounds how long ReadMessageBody waits for a message before
	// returning queue.ErrEmpty. Zero means DefaultReadWait.
	ReadWait time.Duration
}

// DefaultReadWait is used when Config.ReadWait is zero.
const DefaultReadWait = 2 * time.Second

// NewClient creates and configures a Kafka client shared by the producer,
// the partition consumers and the offset manager.
func NewClient(cfg *Config) (sarama.Client, error) {
	return sarama.NewClient(cfg.Brokers, newSaramaConfig(cfg.ClientID))
}

func newSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID

	// Consumer settings
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = false

	// Producer settings
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Return.Successes = true
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Version = sarama.V3_6_0_0

	return config
}
