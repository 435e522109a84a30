package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"
)

// KafkaSource consumes agent events from a Kafka topic. The message key
// is the target thread ID; the value is a JSON Event document.
type KafkaSource struct {
	brokers       []string
	consumerGroup string
	topic         string
	reader        *kafka.Reader
	events        chan ThreadEvent
}

// NewKafkaSource creates a Kafka event source.
func NewKafkaSource(brokers []string, consumerGroup, topic string) *KafkaSource {
	return &KafkaSource{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topic:         topic,
		events:        make(chan ThreadEvent, 100),
	}
}

// Start begins consuming from the configured topic.
func (s *KafkaSource) Start(ctx context.Context) error {
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    s.topic,
		GroupID:  s.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	go func() {
		for {
			msg, err := s.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("KafkaSource: read error", "topic", s.topic, "error", err)
				continue
			}
			threadID := string(msg.Key)
			if threadID == "" {
				slog.Warn("KafkaSource: message without thread key, dropping", "topic", s.topic)
				continue
			}
			var ev Event
			if err := json.Unmarshal(msg.Value, &ev); err != nil {
				slog.Warn("KafkaSource: malformed event, dropping", "topic", s.topic, "thread_id", threadID, "error", err)
				continue
			}
			s.events <- ThreadEvent{ThreadID: threadID, Event: ev}
		}
	}()
	return nil
}

// Events returns the channel of consumed events.
func (s *KafkaSource) Events() <-chan ThreadEvent { return s.events }

// Close stops the reader and closes the events channel.
func (s *KafkaSource) Close() error {
	var err error
	if s.reader != nil {
		err = s.reader.Close()
	}
	close(s.events)
	return err
}

// ChannelSource is an in-process Source backed by a Go channel, used in
// tests and for embedding the gateway in the same process as the agent.
type ChannelSource struct {
	ch chan ThreadEvent
}

// NewChannelSource creates an in-process event source.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan ThreadEvent, 100)}
}

// Start is a no-op for the channel source.
func (s *ChannelSource) Start(ctx context.Context) error { return nil }

// Events returns the event channel.
func (s *ChannelSource) Events() <-chan ThreadEvent { return s.ch }

// Close closes the channel.
func (s *ChannelSource) Close() error {
	close(s.ch)
	return nil
}

// Send pushes an event into the channel source.
func (s *ChannelSource) Send(ev ThreadEvent) {
	s.ch <- ev
}
