package adapters

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/tagsense/tagsense/internal/models"
)

// SimConfig shapes the synthetic historian.
type SimConfig struct {
	Units     int     // air handler count
	Seed      int64   // noise seed
	Noise     float64 // stddev of additive noise
	PeriodMin float64 // driver sine period in minutes
}

// DefaultSimConfig simulates three air handlers.
var DefaultSimConfig = SimConfig{
	Units:     3,
	Seed:      1,
	Noise:     0.3,
	PeriodMin: 15,
}

type simChannel struct {
	suffix      string
	description string
	units       string
	valueType   models.ValueType
}

var simChannels = []simChannel{
	{"SupplyTemp", "Supply air temperature", "degF", models.ValueTypeFloat64},
	{"ReturnTemp", "Return air temperature", "degF", models.ValueTypeFloat64},
	{"MixedTemp", "Mixed air temperature", "degF", models.ValueTypeFloat64},
	{"FanStatus", "Supply fan run status", "", models.ValueTypeBool},
	{"DuctPressure", "Supply duct static pressure", "inwc", models.ValueTypeFloat64},
}

// SimAdapter is a synthetic historian producing correlated channels per
// unit: supply, return, and mixed temperatures ride one sine driver, the
// fan status follows occupancy, and duct pressure wanders independently.
// Values are pure functions of (address, time), so current and range reads
// agree and replays are reproducible.
type SimAdapter struct {
	cfg SimConfig
}

// NewSimAdapter creates a simulated source.
func NewSimAdapter(cfg SimConfig) *SimAdapter {
	if cfg.Units < 1 {
		cfg.Units = 1
	}
	if cfg.PeriodMin <= 0 {
		cfg.PeriodMin = 15
	}
	return &SimAdapter{cfg: cfg}
}

func (a *SimAdapter) Name() string                { return "sim" }
func (a *SimAdapter) Kind() models.DataSourceKind { return models.DataSourceKindSim }

// Health always succeeds; the simulator has nothing to reach.
func (a *SimAdapter) Health(ctx context.Context) error { return ctx.Err() }

// DiscoverPoints enumerates every simulated channel matching the filters.
func (a *SimAdapter) DiscoverPoints(ctx context.Context, filters []string, max int) ([]models.DiscoveredPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.DiscoveredPoint
	for unit := 1; unit <= a.cfg.Units; unit++ {
		for _, ch := range simChannels {
			addr := fmt.Sprintf("SIM/AHU-%d/%s", unit, ch.suffix)
			if !matchAny(filters, addr) {
				continue
			}
			out = append(out, models.DiscoveredPoint{
				Address:     addr,
				Name:        fmt.Sprintf("AHU-%d %s", unit, ch.suffix),
				Description: ch.description,
				Units:       ch.units,
				ValueType:   ch.valueType,
				Attributes:  map[string]string{"vendor": "tagsense-sim"},
			})
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

// ReadCurrent returns the value of each known address at now. Unknown
// addresses are absent from the result.
func (a *SimAdapter) ReadCurrent(ctx context.Context, addresses []string) (map[string]models.RawSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make(map[string]models.RawSample, len(addresses))
	for _, addr := range addresses {
		v, ok := a.valueAt(addr, now)
		if !ok {
			continue
		}
		out[addr] = models.RawSample{
			Address:   addr,
			Timestamp: now,
			Value:     v,
			Quality:   models.QualityGood,
		}
	}
	return out, nil
}

// ReadRange synthesizes one sample per 10 seconds across [from, to].
func (a *SimAdapter) ReadRange(ctx context.Context, address string, from, to time.Time) ([]models.RawSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []models.RawSample
	for ts := from.UTC(); !ts.After(to); ts = ts.Add(10 * time.Second) {
		v, ok := a.valueAt(address, ts)
		if !ok {
			return nil, fmt.Errorf("unknown simulated address %q", address)
		}
		out = append(out, models.RawSample{
			Address:   address,
			Timestamp: ts,
			Value:     v,
			Quality:   models.QualityGood,
		})
	}
	return out, nil
}

// valueAt computes the deterministic value of an address at ts.
func (a *SimAdapter) valueAt(address string, ts time.Time) (float64, bool) {
	parts := strings.Split(address, "/")
	if len(parts) != 3 || parts[0] != "SIM" {
		return 0, false
	}
	var unit int
	if _, err := fmt.Sscanf(parts[1], "AHU-%d", &unit); err != nil || unit < 1 || unit > a.cfg.Units {
		return 0, false
	}

	// One driver per unit, phase-shifted so units decorrelate.
	phase := float64(unit) * 1.3
	omega := 2 * math.Pi / (a.cfg.PeriodMin * 60)
	t := float64(ts.Unix())
	driver := math.Sin(omega*t + phase)

	// Occupied when the slow daily wave is positive.
	occupied := math.Sin(2*math.Pi*t/86400+phase) > -0.3

	noise := a.noiseAt(address, ts)
	switch parts[2] {
	case "SupplyTemp":
		return 55 + 4*driver + noise, true
	case "ReturnTemp":
		return 72 + 3.2*driver + noise, true
	case "MixedTemp":
		return 63 + 3.6*driver + noise, true
	case "FanStatus":
		if occupied {
			return 1, true
		}
		return 0, true
	case "DuctPressure":
		// Independent of the temperature driver.
		return 1.2 + 0.3*math.Sin(omega*t*1.7+float64(unit)*4.1) + noise*0.1, true
	}
	return 0, false
}

// noiseAt derives reproducible noise from the address, timestamp, and seed.
func (a *SimAdapter) noiseAt(address string, ts time.Time) float64 {
	var h int64 = a.cfg.Seed
	for _, c := range address {
		h = h*131 + int64(c)
	}
	h = h*131 + ts.Unix()
	return rand.New(rand.NewSource(h)).NormFloat64() * a.cfg.Noise
}

// matchAny reports whether addr matches at least one wildcard filter. An
// empty filter list matches everything.
func matchAny(filters []string, addr string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if wildcard.Match(strings.TrimSpace(f), addr) {
			return true
		}
	}
	return false
}
