package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ecociel/taskq/domain"
	"github.com/twmb/franz-go/pkg/kgo"
)

// HeaderPriority carries the 1-10 wire priority on every task record.
// Delivery ordering across priorities is broker best-effort.
const HeaderPriority = "priority"

// Producer defines the interface for producing messages to Kafka
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Message is the queue payload; only the task id crosses the wire, workers
// re-read the record from the store.
type Message struct {
	TaskID int64 `json:"task_id"`
}

type Publisher struct {
	client Producer
	topic  string
}

func NewPublisher(client Producer, topic string) *Publisher {
	return &Publisher{client: client, topic: topic}
}

func (p *Publisher) PublishTask(ctx context.Context, id int64, prio domain.Priority) error {
	record, err := taskToRec(p.topic, id, prio)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish task %d: %w", id, err)
	}
	return nil
}

func taskToRec(topic string, id int64, prio domain.Priority) (*kgo.Record, error) {
	value, err := json.Marshal(Message{TaskID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal task message %d: %w", id, err)
	}
	return &kgo.Record{
		Topic: topic,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderPriority, Value: []byte{prio.Wire()}},
		},
	}, nil
}

// DecodeMessage parses a consumed record back into its task id.
func DecodeMessage(value []byte) (int64, error) {
	var msg Message
	if err := json.Unmarshal(value, &msg); err != nil {
		return 0, fmt.Errorf("decode task message: %w", err)
	}
	if msg.TaskID <= 0 {
		return 0, fmt.Errorf("decode task message: missing task_id")
	}
	return msg.TaskID, nil
}
