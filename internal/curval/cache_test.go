package curval

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tagsense/tagsense/internal/models"
)

func TestUpdateRejectsOlderTimestamps(t *testing.T) {
	c := New()
	ts := time.Unix(5000, 0).UTC()

	require.True(t, c.Update(models.Sample{SequenceID: 1, Timestamp: ts, Value: 10}))
	require.False(t, c.Update(models.Sample{SequenceID: 1, Timestamp: ts.Add(-time.Second), Value: 5}))
	require.True(t, c.Update(models.Sample{SequenceID: 1, Timestamp: ts, Value: 11}), "equal timestamp is accepted")

	got, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, 11.0, got.Value)
	require.Equal(t, ts, got.Timestamp)
}

func TestTimestampsMonotoneUnderConcurrency(t *testing.T) {
	c := New()
	base := time.Unix(6000, 0).UTC()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				c.Update(models.Sample{
					SequenceID: 1,
					Timestamp:  base.Add(time.Duration(i) * time.Millisecond),
					Value:      float64(i),
				})
			}
		}(w)
	}
	wg.Wait()

	got, ok := c.Get(1)
	require.True(t, ok)
	require.Equal(t, base.Add(199*time.Millisecond), got.Timestamp)
}

func TestSnapshot(t *testing.T) {
	c := New()
	ts := time.Unix(7000, 0).UTC()
	c.Update(models.Sample{SequenceID: 1, Timestamp: ts, Value: 1})
	c.Update(models.Sample{SequenceID: 2, Timestamp: ts, Value: 2})

	snap := c.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 2.0, snap[2].Value)
}
