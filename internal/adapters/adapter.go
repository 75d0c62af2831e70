// Package adapters hosts the source adapters that front external
// historians. Adapters advertise optional capabilities through interface
// assertion; runners check for a capability before using it.
package adapters

import (
	"context"
	"time"

	"github.com/tagsense/tagsense/internal/models"
)

// Adapter is the minimal identity every source adapter carries.
type Adapter interface {
	Name() string
	Kind() models.DataSourceKind
}

// HealthChecker reports connectivity to the backing system.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CurrentReader reads the latest value for a set of addresses. Partial
// success is allowed; addresses the source cannot serve are absent from
// the result.
type CurrentReader interface {
	ReadCurrent(ctx context.Context, addresses []string) (map[string]models.RawSample, error)
}

// RangeReader reads historical samples for one address, ordered by time.
type RangeReader interface {
	ReadRange(ctx context.Context, address string, from, to time.Time) ([]models.RawSample, error)
}

// Discoverer enumerates addressable points matching the given wildcard
// filters, up to max.
type Discoverer interface {
	DiscoverPoints(ctx context.Context, filters []string, max int) ([]models.DiscoveredPoint, error)
}

// Sink receives pushed samples. Implementations must not block the caller
// beyond their configured policy.
type Sink func(models.RawSample)

// Subscriber delivers change-of-value updates for the given addresses into
// sink until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, addresses []string, sink Sink) error
}
