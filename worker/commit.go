package worker

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// commitTracker serializes consumer-group commits per partition. A group
// commit is a single watermark: committing offset N implicitly commits every
// earlier offset on that partition, so with concurrent processing a record
// may only be committed once everything fetched before it has been
// processed. A record whose processing cannot be acknowledged blocks the
// watermark, leaving it and its successors for broker redelivery.
type commitTracker struct {
	mu    sync.Mutex
	parts map[topicPartition]*partitionProgress
}

type topicPartition struct {
	topic     string
	partition int32
}

type partitionProgress struct {
	// next is the lowest fetched offset not yet processed.
	next int64
	done map[int64]*kgo.Record
}

func newCommitTracker() *commitTracker {
	return &commitTracker{parts: make(map[topicPartition]*partitionProgress)}
}

// observe must be called in fetch order, before the record is handed to a
// goroutine. The first observed offset of a partition seeds its watermark.
func (c *commitTracker) observe(rec *kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := topicPartition{topic: rec.Topic, partition: rec.Partition}
	if _, ok := c.parts[key]; !ok {
		c.parts[key] = &partitionProgress{next: rec.Offset, done: make(map[int64]*kgo.Record)}
	}
}

// processed marks rec as done and returns the highest record that is now
// safe to commit, or nil while an earlier record on the same partition is
// still in flight.
func (c *commitTracker) processed(rec *kgo.Record) *kgo.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.parts[topicPartition{topic: rec.Topic, partition: rec.Partition}]
	if p == nil {
		return nil
	}
	p.done[rec.Offset] = rec

	var last *kgo.Record
	for {
		r, ok := p.done[p.next]
		if !ok {
			break
		}
		delete(p.done, p.next)
		last = r
		p.next++
	}
	return last
}
