package cluster

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/bus"
	"github.com/tagsense/tagsense/internal/config"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/store"
	"github.com/tagsense/tagsense/internal/telemetry"
)

const consumerGroup = "cluster"

// Detector owns the correlation graph. Correlation events mark nodes
// dirty; a periodic pass snapshots the dirty neighborhood, runs community
// detection, and emits accepted clusters that changed materially.
type Detector struct {
	graph *Graph
	meta  *store.Store
	cfg   config.ClusterConfig

	mu       sync.Mutex
	emitted  map[string]float64 // member key -> last emitted cohesion
	lastScan time.Time
	nowFn    func() time.Time
}

// NewDetector wires the cluster stage.
func NewDetector(meta *store.Store, cfg config.ClusterConfig) *Detector {
	return &Detector{
		graph:   NewGraph(),
		meta:    meta,
		cfg:     cfg,
		emitted: make(map[string]float64),
		nowFn:   time.Now,
	}
}

// Run consumes correlations.updated and scans on the configured interval
// until ctx is cancelled.
func (d *Detector) Run(ctx context.Context, b *bus.Bus) error {
	consumer, err := b.Subscribe(consumerGroup, bus.TopicCorrelationsUpdate)
	if err != nil {
		return err
	}
	log.Info().Str("algorithm", string(d.cfg.Algorithm)).Msg("Cluster detector started")

	events := make(chan models.CorrelationEvent, 16)
	go func() {
		defer close(events)
		for {
			records, err := consumer.Poll(ctx, 16)
			if err != nil {
				return
			}
			for _, rec := range records {
				var ev models.CorrelationEvent
				if err := json.Unmarshal(rec.Value, &ev); err != nil {
					log.Warn().Err(err).Msg("Undecodable correlation event skipped")
				} else {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
				if err := consumer.Commit(rec); err != nil {
					log.Error().Err(err).Msg("Failed to commit cluster offset")
				}
			}
		}
	}()

	ticker := time.NewTicker(d.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			d.graph.MarkDirty(ev.PointIDs...)
		case <-ticker.C:
			if err := d.Scan(ctx, b, "continuous"); err != nil {
				log.Error().Err(err).Msg("Cluster scan failed")
			}
		}
	}
}

// LastScan reports when a scan last completed, for the scheduled fallback.
func (d *Detector) LastScan() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScan
}

// ScanAll marks every node dirty and scans. Used by the scheduled fallback
// job when no event-driven scan has run recently.
func (d *Detector) ScanAll(ctx context.Context, b *bus.Bus) error {
	// Load edges first so MarkAllDirty sees nodes on a cold start.
	if err := d.syncEdges(); err != nil {
		return err
	}
	d.graph.MarkAllDirty()
	return d.Scan(ctx, b, "scheduled")
}

// Scan refreshes graph edges from the correlation cache, runs community
// detection over the dirty neighborhood, and emits accepted clusters.
func (d *Detector) Scan(ctx context.Context, b *bus.Bus, source string) error {
	if err := d.syncEdges(); err != nil {
		return err
	}
	dirty := d.graph.TakeDirty()
	if len(dirty) == 0 {
		return nil
	}

	sg := d.graph.Snapshot(dirty)
	if len(sg.ids) == 0 {
		return nil
	}

	var comm []int
	switch d.cfg.Algorithm {
	case config.AlgorithmDBSCAN:
		comm = dbscan(sg, d.cfg.DBSCANEps, d.cfg.DBSCANMinPts)
	default:
		comm = louvain(sg, d.cfg.MaxIterations)
	}

	candidates := groupByCommunity(sg, comm)
	now := d.nowFn().UTC()
	emitted := 0
	for _, members := range candidates {
		if ctx.Err() != nil {
			break
		}
		cluster, ok := d.evaluate(sg, members, source, now)
		if !ok {
			continue
		}
		if !d.materiallyChanged(cluster) {
			continue
		}
		if err := d.meta.UpsertCluster(&cluster); err != nil {
			log.Warn().Err(err).Str("cluster", cluster.ID).Msg("Cluster upsert failed")
			continue
		}
		ev := models.ClusterEvent{
			ClusterID:  cluster.ID,
			Source:     source,
			PointIDs:   cluster.PointIDs,
			Cohesion:   cluster.AvgCohesion,
			MinR:       cluster.MinR,
			MaxR:       cluster.MaxR,
			ProducedAt: now,
		}
		if _, err := b.PublishJSON(bus.TopicClustersCreated, cluster.ID, ev); err != nil {
			log.Error().Err(err).Msg("Failed to publish cluster event")
			continue
		}
		d.mu.Lock()
		d.emitted[cluster.MemberKey()] = cluster.AvgCohesion
		d.mu.Unlock()
		telemetry.ClustersEmittedTotal.WithLabelValues(source).Inc()
		emitted++
	}

	d.mu.Lock()
	d.lastScan = now
	d.mu.Unlock()
	if emitted > 0 {
		log.Info().Int("clusters", emitted).Str("source", source).
			Int("nodes", len(sg.ids)).Msg("Cluster scan emitted clusters")
	}
	return nil
}

// syncEdges reloads edge weights from the correlation cache. The cache is
// small relative to samples, so a full reload keeps the graph consistent
// with purges without a delta protocol.
func (d *Detector) syncEdges() error {
	pairs, err := d.meta.ListCorrelations()
	if err != nil {
		return err
	}
	for _, pc := range pairs {
		d.graph.SetEdgeQuiet(pc.PointA, pc.PointB, math.Abs(pc.R))
	}
	return nil
}

// evaluate builds a cluster from community members and applies the
// acceptance rule: size bounds and mean intra-edge |r| at or above the
// cohesion floor.
func (d *Detector) evaluate(sg *subgraph, members []int, source string, now time.Time) (models.Cluster, bool) {
	if len(members) < d.cfg.MinClusterSize || len(members) > d.cfg.MaxClusterSize {
		return models.Cluster{}, false
	}

	var sum, minR, maxR float64
	edges := 0
	minR = 1
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			w := sg.weight(members[i], members[j])
			if w == 0 {
				continue
			}
			sum += w
			edges++
			if w < minR {
				minR = w
			}
			if w > maxR {
				maxR = w
			}
		}
	}
	if edges == 0 {
		return models.Cluster{}, false
	}
	cohesion := sum / float64(edges)
	if cohesion < d.cfg.MinCohesion {
		return models.Cluster{}, false
	}

	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = sg.ids[m]
	}
	algorithm := "louvain"
	if d.cfg.Algorithm == config.AlgorithmDBSCAN {
		algorithm = "dbscan"
	}
	return models.Cluster{
		ID:          uuid.NewString(),
		Source:      source,
		PointIDs:    ids,
		AvgCohesion: cohesion,
		MinR:        minR,
		MaxR:        maxR,
		Algorithm:   algorithm,
		DetectedAt:  now,
		ExpiresAt:   now.Add(d.cfg.ClusterTTL),
	}, true
}

// materiallyChanged reports whether the cluster is new or its cohesion
// moved beyond the tolerance since the last emission of this member set.
func (d *Detector) materiallyChanged(c models.Cluster) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.emitted[c.MemberKey()]
	if !seen {
		return true
	}
	return math.Abs(c.AvgCohesion-prev) > d.cfg.ChangeTol
}

// groupByCommunity collects member indices per community, dropping noise.
func groupByCommunity(sg *subgraph, comm []int) [][]int {
	byComm := make(map[int][]int)
	for i, c := range comm {
		if c < 0 {
			continue
		}
		byComm[c] = append(byComm[c], i)
	}
	out := make([][]int, 0, len(byComm))
	for _, members := range byComm {
		out = append(out, members)
	}
	return out
}
