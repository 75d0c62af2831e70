package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tagsense/tagsense/internal/telemetry"
)

// offsetStore persists committed consumer-group offsets. The committed
// offset is the next offset to read, written only after the consumer's
// side effects succeeded.
type offsetStore struct {
	mu        sync.Mutex
	path      string
	committed map[string]int64 // "group|topic|partition" -> next offset
}

func offsetKey(group, topic string, partition int) string {
	return fmt.Sprintf("%s|%s|%d", group, topic, partition)
}

func openOffsetStore(path string) (*offsetStore, error) {
	s := &offsetStore{path: path, committed: make(map[string]int64)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}
	if err := json.Unmarshal(data, &s.committed); err != nil {
		return nil, fmt.Errorf("failed to decode offsets: %w", err)
	}
	return s, nil
}

func (s *offsetStore) get(group, topic string, partition int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed[offsetKey(group, topic, partition)]
}

func (s *offsetStore) commit(group, topic string, partition int, next int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := offsetKey(group, topic, partition)
	if next <= s.committed[key] {
		return nil // replays never move offsets backwards
	}
	s.committed[key] = next
	return s.persistLocked()
}

// persistLocked writes the offset table atomically via rename.
func (s *offsetStore) persistLocked() error {
	data, err := json.MarshalIndent(s.committed, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write offsets: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *offsetStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Consumer reads an assigned partition subset of one topic on behalf of a
// group. Positions advance on delivery; offsets are durable only on Commit,
// so a crash replays everything after the last commit.
type Consumer struct {
	bus       *Bus
	group     string
	topic     *topic
	assigned  []int
	mu        sync.Mutex
	positions map[int]int64 // partition -> next offset to deliver
}

// Subscribe creates a consumer over every partition of the topic.
func (b *Bus) Subscribe(group, topicName string) (*Consumer, error) {
	return b.SubscribePartitions(group, topicName, nil)
}

// SubscribePartitions creates a consumer over an explicit partition subset.
// nil means all partitions. Worker pools pass disjoint subsets so each
// partition has exactly one reader per group.
func (b *Bus) SubscribePartitions(group, topicName string, parts []int) (*Consumer, error) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topicName)
	}
	if parts == nil {
		parts = make([]int, len(t.partitions))
		for i := range parts {
			parts[i] = i
		}
	}
	c := &Consumer{
		bus:       b,
		group:     group,
		topic:     t,
		assigned:  parts,
		positions: make(map[int]int64, len(parts)),
	}
	for _, p := range parts {
		if p < 0 || p >= len(t.partitions) {
			return nil, fmt.Errorf("partition %d out of range for %q", p, topicName)
		}
		c.positions[p] = b.offsets.get(group, topicName, p)
	}
	return c, nil
}

// Poll blocks until at least one record is available or ctx is done, then
// returns up to max records in partition order.
func (c *Consumer) Poll(ctx context.Context, max int) ([]Record, error) {
	for {
		recs := c.fetch(max)
		if len(recs) > 0 {
			return recs, nil
		}
		wait := c.topic.waitCh()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (c *Consumer) fetch(max int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Record
	for _, pi := range c.assigned {
		if len(out) >= max {
			break
		}
		recs := c.topic.partitions[pi].read(c.positions[pi], max-len(out))
		if len(recs) == 0 {
			continue
		}
		c.positions[pi] = recs[len(recs)-1].Offset + 1
		out = append(out, recs...)
	}
	return out
}

// Commit durably marks rec as processed. Call only after side effects
// succeeded; processing is expected to be idempotent.
func (c *Consumer) Commit(rec Record) error {
	if err := c.bus.offsets.commit(c.group, c.topic.name, rec.Partition, rec.Offset+1); err != nil {
		return err
	}
	c.updateLag()
	return nil
}

// Rewind resets the in-memory position of rec's partition back to the last
// committed offset. Workers call it to unwind after a failure so the batch
// redelivers.
func (c *Consumer) Rewind(rec Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[rec.Partition] = c.bus.offsets.get(c.group, c.topic.name, rec.Partition)
}

// Lag returns the number of appended-but-uncommitted records across the
// assigned partitions.
func (c *Consumer) Lag() int64 {
	var lag int64
	for _, pi := range c.assigned {
		hw := c.topic.partitions[pi].highWater()
		lag += hw - c.bus.offsets.get(c.group, c.topic.name, pi)
	}
	return lag
}

func (c *Consumer) updateLag() {
	telemetry.BusLag.WithLabelValues(c.topic.name, c.group).Set(float64(c.Lag()))
}
