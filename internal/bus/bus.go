// Package bus is an embedded append-only partitioned log with consumer
// groups, at-least-once delivery, and durable offsets. Delivery is ordered
// within a partition; producers key messages so related samples colocate.
package bus

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// Options configures the embedded log.
type Options struct {
	Dir            string
	Partitions     int   // default partition count for new topics
	SegmentMaxSize int64 // rotate segment files beyond this size
	SyncEvery      int   // fsync after this many appends
}

type topic struct {
	name       string
	partitions []*partition
	notify     chan struct{} // closed and replaced on every append
	notifyMu   sync.Mutex
}

// Bus owns all topics and the consumer-group offset store.
type Bus struct {
	mu      sync.RWMutex
	opts    Options
	topics  map[string]*topic
	offsets *offsetStore
}

// Open creates or recovers a bus rooted at opts.Dir.
func Open(opts Options) (*Bus, error) {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.SegmentMaxSize <= 0 {
		opts.SegmentMaxSize = 64 << 20
	}
	if opts.SyncEvery < 1 {
		opts.SyncEvery = 1
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus dir: %w", err)
	}

	offsets, err := openOffsetStore(filepath.Join(opts.Dir, "offsets.json"))
	if err != nil {
		return nil, err
	}

	b := &Bus{
		opts:    opts,
		topics:  make(map[string]*topic),
		offsets: offsets,
	}

	// Recover any topics that already exist on disk.
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := b.CreateTopic(e.Name(), 0); err != nil {
			return nil, err
		}
	}

	// Pipeline topics exist from the first boot so producers and
	// consumers never race topic creation.
	for _, name := range AllTopics {
		if err := b.CreateTopic(name, 0); err != nil {
			return nil, err
		}
	}

	log.Info().Str("dir", opts.Dir).Int("topics", len(b.topics)).Msg("Bus opened")
	return b, nil
}

// CreateTopic ensures a topic exists. partitions == 0 uses the default.
// Creating an existing topic is a no-op; partition counts never change
// after creation.
func (b *Bus) CreateTopic(name string, partitions int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[name]; ok {
		return nil
	}
	if partitions < 1 {
		partitions = b.opts.Partitions
	}

	dir := filepath.Join(b.opts.Dir, name)
	// A recovered topic keeps the partition count found on disk.
	if entries, err := os.ReadDir(dir); err == nil {
		existing := 0
		for _, e := range entries {
			if e.IsDir() {
				existing++
			}
		}
		if existing > 0 {
			partitions = existing
		}
	}

	t := &topic{name: name, notify: make(chan struct{})}
	for i := 0; i < partitions; i++ {
		p, err := openPartition(name, i, filepath.Join(dir, fmt.Sprintf("p%03d", i)),
			b.opts.SegmentMaxSize, b.opts.SyncEvery)
		if err != nil {
			return fmt.Errorf("failed to open %s partition %d: %w", name, i, err)
		}
		t.partitions = append(t.partitions, p)
	}
	b.topics[name] = t
	return nil
}

// Publish appends an already-encoded payload keyed for partition placement.
func (b *Bus) Publish(topicName, key string, value json.RawMessage) (Record, error) {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("unknown topic %q", topicName)
	}

	rec, err := t.partitions[partitionFor(key, len(t.partitions))].append(key, value)
	if err != nil {
		return Record{}, err
	}
	telemetry.BusAppendsTotal.WithLabelValues(topicName).Inc()
	t.wake()
	return rec, nil
}

// PublishJSON marshals v and publishes it.
func (b *Bus) PublishJSON(topicName, key string, v any) (Record, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode %s payload: %w", topicName, err)
	}
	return b.Publish(topicName, key, payload)
}

// partitionFor hashes the key with FNV-1a. Empty keys land on partition 0
// so unkeyed events stay ordered.
func partitionFor(key string, n int) int {
	if n == 1 || key == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// PartitionForKey exposes the placement hash so producers can group
// payloads that must share a partition before publishing.
func PartitionForKey(key string, n int) int { return partitionFor(key, n) }

// Partitions reports a topic's partition count, 0 for unknown topics.
func (b *Bus) Partitions(topicName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[topicName]; ok {
		return len(t.partitions)
	}
	return 0
}

func (t *topic) wake() {
	t.notifyMu.Lock()
	close(t.notify)
	t.notify = make(chan struct{})
	t.notifyMu.Unlock()
}

func (t *topic) waitCh() <-chan struct{} {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	return t.notify
}

// HighWater returns the sum of next-offsets across a topic's partitions.
func (b *Bus) HighWater(topicName string) int64 {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	var total int64
	for _, p := range t.partitions {
		total += p.highWater()
	}
	return total
}

// Close flushes and closes every partition and persists offsets.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, t := range b.topics {
		for _, p := range t.partitions {
			if err := p.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := b.offsets.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
