package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record is one message on a partition. Value is the raw encoded payload;
// the bus never inspects it.
type Record struct {
	Topic      string          `json:"-"`
	Partition  int             `json:"-"`
	Offset     int64           `json:"offset"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value"`
	AppendedAt time.Time       `json:"appendedAt"`
}

const segmentSuffix = ".log"

// partition is one append-only log. Records are held in memory for serving
// and appended to segment files for durability; Open replays the segments.
type partition struct {
	mu      sync.RWMutex
	topic   string
	index   int
	dir     string
	records []Record // records[i].Offset == base+int64(i)
	base    int64    // offset of records[0]
	next    int64    // next offset to assign

	file      *os.File
	writer    *bufio.Writer
	fileBase  int64 // base offset of the active segment
	fileSize  int64
	maxSize   int64
	unsynced  int
	syncEvery int
}

func openPartition(topic string, index int, dir string, maxSize int64, syncEvery int) (*partition, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition dir: %w", err)
	}
	p := &partition{
		topic:     topic,
		index:     index,
		dir:       dir,
		maxSize:   maxSize,
		syncEvery: syncEvery,
	}
	if err := p.replay(); err != nil {
		return nil, err
	}
	if err := p.openSegment(p.next); err != nil {
		return nil, err
	}
	return p, nil
}

// replay loads all segment files in base-offset order.
func (p *partition) replay() error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return fmt.Errorf("failed to read partition dir: %w", err)
	}
	var bases []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		base, err := strconv.ParseInt(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		bases = append(bases, base)
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })

	for i, base := range bases {
		if i == 0 {
			p.base = base
			p.next = base
		}
		if err := p.replaySegment(base); err != nil {
			return err
		}
	}
	return nil
}

func (p *partition) replaySegment(base int64) error {
	f, err := os.Open(p.segmentPath(base))
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn tail write from a crash; everything before it is intact.
			break
		}
		if rec.Offset != p.next {
			break
		}
		rec.Topic = p.topic
		rec.Partition = p.index
		p.records = append(p.records, rec)
		p.next++
	}
	return scanner.Err()
}

func (p *partition) segmentPath(base int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("%020d%s", base, segmentSuffix))
}

func (p *partition) openSegment(base int64) error {
	f, err := os.OpenFile(p.segmentPath(base), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	p.fileBase = base
	p.fileSize = info.Size()
	return nil
}

// append assigns the next offset, persists the record, and returns it.
func (p *partition) append(key string, value json.RawMessage) (Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := Record{
		Topic:      p.topic,
		Partition:  p.index,
		Offset:     p.next,
		Key:        key,
		Value:      value,
		AppendedAt: time.Now().UTC(),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode record: %w", err)
	}
	if p.fileSize > 0 && p.fileSize+int64(len(line))+1 > p.maxSize {
		if err := p.rotateLocked(); err != nil {
			return Record{}, err
		}
	}
	if _, err := p.writer.Write(line); err != nil {
		return Record{}, fmt.Errorf("failed to append record: %w", err)
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return Record{}, fmt.Errorf("failed to append record: %w", err)
	}
	p.fileSize += int64(len(line)) + 1

	p.unsynced++
	if p.unsynced >= p.syncEvery {
		if err := p.syncLocked(); err != nil {
			return Record{}, err
		}
	}

	p.records = append(p.records, rec)
	p.next++
	return rec, nil
}

func (p *partition) rotateLocked() error {
	if err := p.syncLocked(); err != nil {
		return err
	}
	p.file.Close()
	return p.openSegment(p.next)
}

func (p *partition) syncLocked() error {
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush segment: %w", err)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment: %w", err)
	}
	p.unsynced = 0
	return nil
}

// read returns up to max records starting at offset.
func (p *partition) read(offset int64, max int) []Record {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if offset < p.base {
		offset = p.base
	}
	start := offset - p.base
	if start >= int64(len(p.records)) {
		return nil
	}
	end := start + int64(max)
	if end > int64(len(p.records)) {
		end = int64(len(p.records))
	}
	out := make([]Record, end-start)
	copy(out, p.records[start:end])
	return out
}

// highWater returns the next offset to be assigned.
func (p *partition) highWater() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.next
}

// trimBelow drops in-memory records below offset. Segment files stay on
// disk until pruneSegments removes fully consumed ones.
func (p *partition) trimBelow(offset int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset <= p.base {
		return
	}
	if offset > p.next {
		offset = p.next
	}
	drop := offset - p.base
	p.records = append([]Record(nil), p.records[drop:]...)
	p.base = offset
}

func (p *partition) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.syncLocked()
	cerr := p.file.Close()
	p.file = nil
	if err != nil {
		return err
	}
	return cerr
}
