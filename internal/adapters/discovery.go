package adapters

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tagsense/tagsense/internal/config"
	pkgerrors "github.com/tagsense/tagsense/internal/errors"
	"github.com/tagsense/tagsense/internal/models"
	"github.com/tagsense/tagsense/internal/pointres"
	"github.com/tagsense/tagsense/internal/telemetry"
)

// PointRegistry is the metadata-store surface discovery needs.
type PointRegistry interface {
	GetPointByAddress(address string) (models.Point, error)
	CreatePoint(p *models.Point) error
}

// Discovery registers newly discovered points. Registration is best
// effort: a point that fails to register is logged and counted, the rest
// of the batch proceeds.
type Discovery struct {
	registry PointRegistry
	resolver *pointres.Resolver
	cfg      config.AdapterConfig
}

// NewDiscovery wires point discovery for one adapter.
func NewDiscovery(registry PointRegistry, resolver *pointres.Resolver, cfg config.AdapterConfig) *Discovery {
	return &Discovery{registry: registry, resolver: resolver, cfg: cfg}
}

// Run discovers points through the adapter and registers the unknown ones,
// honoring the configured filters and cap. Returns how many points were
// newly registered.
func (d *Discovery) Run(ctx context.Context, adapter Adapter, dataSourceID uuid.UUID) (int, error) {
	disc, ok := adapter.(Discoverer)
	if !ok {
		log.Debug().Str("adapter", adapter.Name()).Msg("Adapter does not support discovery")
		return 0, nil
	}

	found, err := disc.DiscoverPoints(ctx, d.cfg.PointFilters, d.cfg.MaxDiscoveredPoints)
	if err != nil {
		return 0, pkgerrors.Transient("discovery", "discover", err).WithSubject(adapter.Name())
	}

	created := 0
	for _, dp := range found {
		// Filters apply here too: adapters may ignore them.
		if !matchAny(d.cfg.PointFilters, dp.Address) {
			continue
		}
		if _, err := d.registry.GetPointByAddress(dp.Address); err == nil {
			continue
		} else if !errors.Is(err, pkgerrors.ErrNotFound) {
			log.Warn().Err(err).Str("address", dp.Address).Msg("Discovery lookup failed")
			telemetry.DiscoveryFailuresTotal.WithLabelValues(adapter.Name()).Inc()
			continue
		}

		point := models.Point{
			ID:           uuid.New(),
			Name:         dp.Name,
			Address:      dp.Address,
			Description:  dp.Description,
			Unit:         dp.Units,
			ValueType:    dp.ValueType,
			DataSourceID: &dataSourceID,
		}
		if err := d.registry.CreatePoint(&point); err != nil {
			log.Warn().Err(err).Str("address", dp.Address).Msg("Point registration failed")
			telemetry.DiscoveryFailuresTotal.WithLabelValues(adapter.Name()).Inc()
			continue
		}
		d.resolver.Put(point)
		created++
	}

	log.Info().Str("adapter", adapter.Name()).Int("discovered", len(found)).
		Int("registered", created).Msg("Discovery pass complete")
	return created, nil
}
