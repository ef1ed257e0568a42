package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/IBM/sarama"

	"grading-orchestrator/internal/domain/model"
)

// OutcomeMessage is the record published for each finished submission.
type OutcomeMessage struct {
	SubmissionID string                 `json:"submission_id"`
	Status       model.SubmissionStatus `json:"status"`
	Reason       string                 `json:"reason,omitempty"`
	Score        *float64               `json:"score,omitempty"`
	MaxScore     *float64               `json:"max_score,omitempty"`
	FinishedAt   int64                  `json:"finished_at"`
}

type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers")
	}
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return NewKafkaNotifierWithProducer(p, topic), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(p sarama.SyncProducer, topic string) *KafkaNotifier {
	return &KafkaNotifier{producer: p, topic: topic}
}

func (k *KafkaNotifier) Name() string { return "kafka" }

func (k *KafkaNotifier) Notify(_ context.Context, ev model.ProgressEvent) error {
	data, err := json.Marshal(outcomeOf(ev))
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(ev.SubmissionID),
		Value: sarama.ByteEncoder(data),
	}
	_, _, err = k.producer.SendMessage(msg)
	return err
}

func (k *KafkaNotifier) Close() error {
	return k.producer.Close()
}

func outcomeOf(ev model.ProgressEvent) OutcomeMessage {
	m := OutcomeMessage{
		SubmissionID: ev.SubmissionID,
		Status:       ev.Status,
		Reason:       ev.Reason,
		FinishedAt:   ev.At.Unix(),
	}
	if ev.Result != nil {
		score, max := ev.Result.Score, ev.Result.MaxScore
		m.Score, m.MaxScore = &score, &max
	}
	return m
}
