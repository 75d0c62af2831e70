package adapters

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/models"
)

// ReplayConfig shapes file playback.
type ReplayConfig struct {
	Dir   string
	Zone  string        // IANA zone of source timestamps, "" means UTC
	Tick  time.Duration // >0 emits on a steady tick with linear interpolation
	Speed float64       // playback speed multiplier, <=0 means 1
}

// ReplayAdapter replays timestamped CSV rows from a directory, rebased
// onto the current wall clock. Files dropped into the directory while a
// replay runs are picked up via fsnotify. Row format:
//
//	timestamp,address,value[,quality]
//
// A header row is skipped when its timestamp column does not parse.
type ReplayAdapter struct {
	cfg ReplayConfig
	loc *time.Location
}

// NewReplayAdapter creates a file replay source.
func NewReplayAdapter(cfg ReplayConfig) (*ReplayAdapter, error) {
	loc := time.UTC
	if cfg.Zone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Zone); err != nil {
			return nil, fmt.Errorf("invalid replay zone %q: %w", cfg.Zone, err)
		}
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &ReplayAdapter{cfg: cfg, loc: loc}, nil
}

func (a *ReplayAdapter) Name() string                { return "replay" }
func (a *ReplayAdapter) Kind() models.DataSourceKind { return models.DataSourceKindReplay }

type replayRow struct {
	ts      time.Time // source time, UTC
	address string
	value   float64
	quality models.Quality
}

// Run replays every CSV under the directory until the rows run out and no
// new files arrive, or ctx is cancelled.
func (a *ReplayAdapter) Run(ctx context.Context, emitter *Emitter) error {
	rows, err := a.loadDir()
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("replay watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(a.cfg.Dir); err != nil {
		return fmt.Errorf("replay watch %s: %w", a.cfg.Dir, err)
	}

	newRows := make(chan []replayRow, 4)
	go a.watchLoop(ctx, watcher, newRows)

	if len(rows) == 0 {
		// Wait for a first file to appear.
		select {
		case <-ctx.Done():
			return nil
		case more := <-newRows:
			rows = more
		}
	}

	if a.cfg.Tick > 0 {
		return a.playInterpolated(ctx, emitter, rows, newRows)
	}
	return a.playVerbatim(ctx, emitter, rows, newRows)
}

// playVerbatim emits each source row at its rebased wall-clock instant.
func (a *ReplayAdapter) playVerbatim(ctx context.Context, emitter *Emitter, rows []replayRow, newRows <-chan []replayRow) error {
	base := rows[0].ts
	wallStart := time.Now()

	for i := 0; i < len(rows); i++ {
		select {
		case more := <-newRows:
			rows = mergeRows(rows[i:], more)
			i = 0
		default:
		}
		row := rows[i]
		target := wallStart.Add(time.Duration(float64(row.ts.Sub(base)) / a.cfg.Speed))
		if !sleepCtx(ctx, time.Until(target)) {
			return nil
		}
		err := emitter.Emit([]models.RawSample{{
			Address:   row.address,
			Timestamp: time.Now().UTC(),
			Value:     row.value,
			Quality:   row.quality,
		}})
		if err != nil {
			return err
		}
	}
	log.Info().Int("rows", len(rows)).Msg("Replay finished")
	return nil
}

// playInterpolated advances a source-time cursor on a steady wall tick and
// emits one linearly interpolated value per address per tick, so consumers
// see a cadence independent of the source sampling.
func (a *ReplayAdapter) playInterpolated(ctx context.Context, emitter *Emitter, rows []replayRow, newRows <-chan []replayRow) error {
	cursor := rows[0].ts
	idx := 0

	type bracket struct{ prev, next *replayRow }
	active := make(map[string]*bracket)

	ticker := time.NewTicker(a.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case more := <-newRows:
			rows = mergeRows(rows, more)
			idx = sort.Search(len(rows), func(i int) bool { return rows[i].ts.After(cursor) })
		case <-ticker.C:
		}

		// Advance row brackets up to the cursor.
		for ; idx < len(rows) && !rows[idx].ts.After(cursor); idx++ {
			row := rows[idx]
			b, ok := active[row.address]
			if !ok {
				b = &bracket{}
				active[row.address] = b
			}
			b.prev = &rows[idx]
			b.next = nil
		}
		// Find the next row per address still missing its bracket.
		for j := idx; j < len(rows); j++ {
			b, ok := active[rows[j].address]
			if ok && b.next == nil {
				b.next = &rows[j]
			}
		}

		var out []models.RawSample
		now := time.Now().UTC()
		for addr, b := range active {
			if b.prev == nil {
				continue
			}
			v := b.prev.value
			q := b.prev.quality
			if b.next != nil && b.next.ts.After(b.prev.ts) {
				frac := float64(cursor.Sub(b.prev.ts)) / float64(b.next.ts.Sub(b.prev.ts))
				if frac > 1 {
					frac = 1
				}
				v = b.prev.value + (b.next.value-b.prev.value)*frac
			}
			out = append(out, models.RawSample{
				Address:   addr,
				Timestamp: now,
				Value:     v,
				Quality:   q,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
		if err := emitter.Emit(out); err != nil {
			return err
		}

		if idx >= len(rows) {
			log.Info().Int("rows", len(rows)).Msg("Replay finished")
			return nil
		}
		cursor = cursor.Add(time.Duration(float64(a.cfg.Tick) * a.cfg.Speed))
	}
}

func (a *ReplayAdapter) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, out chan<- []replayRow) {
	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.ToLower(filepath.Ext(ev.Name)) != ".csv" {
				continue
			}
			if _, dup := seen[ev.Name]; dup {
				continue
			}
			seen[ev.Name] = struct{}{}
			rows, err := a.loadFile(ev.Name)
			if err != nil {
				log.Warn().Err(err).Str("file", ev.Name).Msg("Skipping unreadable replay file")
				continue
			}
			log.Info().Str("file", ev.Name).Int("rows", len(rows)).Msg("Replay picked up new file")
			select {
			case out <- rows:
			case <-ctx.Done():
				return
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Replay watcher error")
		}
	}
}

// loadDir reads every CSV in the directory, merged and time-sorted.
func (a *ReplayAdapter) loadDir() ([]replayRow, error) {
	entries, err := filepath.Glob(filepath.Join(a.cfg.Dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(entries)
	var rows []replayRow
	for _, path := range entries {
		fileRows, err := a.loadFile(path)
		if err != nil {
			return nil, err
		}
		rows = mergeRows(rows, fileRows)
	}
	return rows, nil
}

func (a *ReplayAdapter) loadFile(path string) ([]replayRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var rows []replayRow
	line := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		line++
		if len(record) < 3 {
			continue
		}
		ts, err := a.parseTime(record[0])
		if err != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(record[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		quality := models.QualityGood
		if len(record) >= 4 && strings.TrimSpace(record[3]) != "" {
			quality = models.Quality(strings.TrimSpace(record[3]))
		}
		rows = append(rows, replayRow{
			ts:      ts,
			address: strings.TrimSpace(record[1]),
			value:   value,
			quality: quality,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })
	return rows, nil
}

// parseTime accepts RFC3339 or a bare "2006-01-02 15:04:05" in the
// configured source zone; either way the result is UTC.
func (a *ReplayAdapter) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, a.loc)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// mergeRows merges two time-sorted row slices.
func mergeRows(a, b []replayRow) []replayRow {
	out := make([]replayRow, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out
}
