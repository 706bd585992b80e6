// Package region resolves the spatial filter for a run from stored configuration.
package region

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// Getter is the slice of a blob store the resolver needs.
type Getter interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Resolver reads a region document and falls back to a default per field.
type Resolver struct {
	store    Getter
	path     string
	fallback ingest.Region
	logger   *zap.Logger
}

// NewResolver builds a Resolver. A zero fallback selects ingest.DefaultRegion.
func NewResolver(store Getter, path string, fallback ingest.Region, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallback.Validate() != nil {
		fallback = ingest.DefaultRegion
	}
	return &Resolver{store: store, path: path, fallback: fallback, logger: logger}
}

type document struct {
	Coordinates  json.RawMessage `json:"coordinates"`
	Radius       json.RawMessage `json:"radius"`
	RegionRadius json.RawMessage `json:"region_radius"`
	BBox         json.RawMessage `json:"bbox"`
}

// Resolve returns the configured region. Only a failing store is an error.
func (r *Resolver) Resolve(ctx context.Context) (ingest.Region, error) {
	if r.store == nil || r.path == "" {
		return r.fallback, nil
	}
	raw, err := r.store.Get(ctx, r.path)
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			r.logger.Info("region config missing, using default", zap.String("path", r.path))
			return r.fallback, nil
		}
		return ingest.Region{}, fmt.Errorf("%w: read %s: %v", ingest.ErrConfigUnavailable, r.path, err)
	}
	return r.parse(raw), nil
}

func (r *Resolver) parse(raw []byte) ingest.Region {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.logger.Warn("region config malformed, using default", zap.String("path", r.path), zap.Error(err))
		return r.fallback
	}

	if box, ok := parseBBox(doc.BBox); ok {
		return ingest.BoxRegion(box)
	}

	region := r.fallback
	if region.IsBBox() {
		region = ingest.DefaultRegion
	}
	if coords, ok := parseCoordinates(doc.Coordinates); ok {
		region.Coordinates = coords
	} else if len(doc.Coordinates) > 0 {
		r.logger.Warn("region coordinates invalid, using default", zap.String("path", r.path))
	}

	radiusRaw := doc.Radius
	if len(radiusRaw) == 0 {
		radiusRaw = doc.RegionRadius
	}
	if radius, ok := parsePositive(radiusRaw); ok {
		region.RadiusMeters = radius
	}
	return region
}

// ParseRegion parses a trigger-supplied region object. Unlike Resolve it has no
// fallback: the object must be complete and valid.
func ParseRegion(raw json.RawMessage, defaultRadius float64) (ingest.Region, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ingest.Region{}, fmt.Errorf("region: %w", err)
	}
	if len(doc.BBox) > 0 {
		box, ok := parseBBox(doc.BBox)
		if !ok {
			return ingest.Region{}, errors.New("region: bbox must be [min_lon, min_lat, max_lon, max_lat] and well ordered")
		}
		return ingest.BoxRegion(box), nil
	}
	coords, ok := parseCoordinates(doc.Coordinates)
	if !ok {
		return ingest.Region{}, errors.New("region: coordinates must be [lon, lat] within range")
	}
	radius := defaultRadius
	if len(doc.Radius) > 0 {
		if radius, ok = parsePositive(doc.Radius); !ok {
			return ingest.Region{}, errors.New("region: radius must be > 0")
		}
	}
	region := ingest.PointRegion(coords[0], coords[1], radius)
	if err := region.Validate(); err != nil {
		return ingest.Region{}, fmt.Errorf("region: %w", err)
	}
	return region, nil
}

func parseCoordinates(raw json.RawMessage) ([2]float64, bool) {
	var coords []float64
	if len(raw) == 0 || json.Unmarshal(raw, &coords) != nil || len(coords) != 2 {
		return [2]float64{}, false
	}
	out := [2]float64{coords[0], coords[1]}
	if ingest.PointRegion(out[0], out[1], 1).Validate() != nil {
		return [2]float64{}, false
	}
	return out, true
}

func parsePositive(raw json.RawMessage) (float64, bool) {
	var v float64
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func parseBBox(raw json.RawMessage) (ingest.BBox, bool) {
	var vals []float64
	if len(raw) == 0 || json.Unmarshal(raw, &vals) != nil || len(vals) != 4 {
		return ingest.BBox{}, false
	}
	box := ingest.BBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if box.Validate() != nil {
		return ingest.BBox{}, false
	}
	return box, true
}
