package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Mode selects which asset is acquired for each scene.
type Mode string

// Supported acquisition modes.
const (
	ModeThumbnail Mode = "thumbnail"
	ModeArchive   Mode = "archive"
)

// Valid reports whether m names a supported mode.
func (m Mode) Valid() bool {
	return m == ModeThumbnail || m == ModeArchive
}

// DateLayout is the wire format for dates in requests, catalog queries, and responses.
const DateLayout = "2006-01-02"

// UnknownDate is recorded when the catalog does not report an acquisition date.
const UnknownDate = "Unknown"

const metersPerDegree = 111320.0

// BBox is a lon/lat bounding box.
type BBox struct {
	MinLon float64 `json:"min_lon"`
	MinLat float64 `json:"min_lat"`
	MaxLon float64 `json:"max_lon"`
	MaxLat float64 `json:"max_lat"`
}

// Validate checks ordering and coordinate ranges.
func (b BBox) Validate() error {
	if !validLon(b.MinLon) || !validLon(b.MaxLon) || !validLat(b.MinLat) || !validLat(b.MaxLat) {
		return fmt.Errorf("bbox coordinates out of range")
	}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("bbox must be ordered as min_lon < max_lon and min_lat < max_lat")
	}
	return nil
}

// Region is the spatial query filter: a point with a radius, or a bounding box.
type Region struct {
	// Coordinates holds lon, lat. For bbox regions it is the box center.
	Coordinates  [2]float64 `json:"coordinates"`
	RadiusMeters float64    `json:"radius_meters,omitempty"`
	BBox         *BBox      `json:"bbox,omitempty"`
}

// DefaultRegion is used whenever region configuration is absent or unusable.
var DefaultRegion = PointRegion(6.746, 46.529, 10000)

// PointRegion builds a point+radius region.
func PointRegion(lon, lat, radiusMeters float64) Region {
	return Region{Coordinates: [2]float64{lon, lat}, RadiusMeters: radiusMeters}
}

// BoxRegion builds a bounding-box region.
func BoxRegion(b BBox) Region {
	box := b
	return Region{
		Coordinates: [2]float64{(b.MinLon + b.MaxLon) / 2, (b.MinLat + b.MaxLat) / 2},
		BBox:        &box,
	}
}

// Lon returns the region's longitude.
func (r Region) Lon() float64 { return r.Coordinates[0] }

// Lat returns the region's latitude.
func (r Region) Lat() float64 { return r.Coordinates[1] }

// IsBBox reports whether the region is a bounding box.
func (r Region) IsBBox() bool { return r.BBox != nil }

// Validate enforces a positive radius or a well-ordered bbox.
func (r Region) Validate() error {
	if r.BBox != nil {
		return r.BBox.Validate()
	}
	if !validLon(r.Lon()) || !validLat(r.Lat()) {
		return fmt.Errorf("coordinates out of range")
	}
	if r.RadiusMeters <= 0 || math.IsNaN(r.RadiusMeters) || math.IsInf(r.RadiusMeters, 0) {
		return fmt.Errorf("radius must be > 0")
	}
	return nil
}

// Bounds returns the bounding box of the region. Point regions are buffered by
// their radius using an equirectangular approximation.
func (r Region) Bounds() BBox {
	if r.BBox != nil {
		return *r.BBox
	}
	dLat := r.RadiusMeters / metersPerDegree
	cosLat := math.Cos(r.Lat() * math.Pi / 180)
	dLon := 180.0
	if cosLat > 1e-9 {
		dLon = math.Min(180, r.RadiusMeters/(metersPerDegree*cosLat))
	}
	return BBox{
		MinLon: math.Max(-180, r.Lon()-dLon),
		MinLat: math.Max(-90, r.Lat()-dLat),
		MaxLon: math.Min(180, r.Lon()+dLon),
		MaxLat: math.Min(90, r.Lat()+dLat),
	}
}

// Location renders the region the way metadata documents store it.
func (r Region) Location() map[string]any {
	if r.BBox != nil {
		return map[string]any{
			"coordinates": []any{r.Lon(), r.Lat()},
			"bbox":        []any{r.BBox.MinLon, r.BBox.MinLat, r.BBox.MaxLon, r.BBox.MaxLat},
		}
	}
	return map[string]any{
		"coordinates":   []any{r.Lon(), r.Lat()},
		"region_radius": r.RadiusMeters,
	}
}

func validLon(v float64) bool { return !math.IsNaN(v) && v >= -180 && v <= 180 }
func validLat(v float64) bool { return !math.IsNaN(v) && v >= -90 && v <= 90 }

// TimeWindow is the acquisition date filter. Start must precede End.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// Validate enforces Start < End.
func (w TimeWindow) Validate() error {
	if !w.Start.Before(w.End) {
		return fmt.Errorf("start date must be before end date")
	}
	return nil
}

// HistoricalWindow computes the scheduled window [today-offset-span, today-offset]
// in whole UTC days.
func HistoricalWindow(now time.Time, offsetDays, spanDays int) TimeWindow {
	today := now.UTC().Truncate(24 * time.Hour)
	end := today.AddDate(0, 0, -offsetDays)
	return TimeWindow{Start: end.AddDate(0, 0, -spanDays), End: end}
}

// MarshalJSON renders the window as dates.
func (w TimeWindow) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"start":%q,"end":%q}`,
		w.Start.Format(DateLayout), w.End.Format(DateLayout))), nil
}

// Scene is one catalog product matching the query.
type Scene struct {
	SceneID         string         `json:"scene_id"`
	Name            string         `json:"name,omitempty"`
	EntityID        string         `json:"entity_id,omitempty"`
	DisplayID       string         `json:"display_id,omitempty"`
	Dataset         string         `json:"dataset,omitempty"`
	AcquisitionDate string         `json:"acquisition_date"`
	Bands           []string       `json:"bands,omitempty"`
	Properties      map[string]any `json:"properties,omitempty"`
}

// SceneIDFromName returns the last path segment of a fully-qualified asset name.
func SceneIDFromName(name string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(name), "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// ArchiveName is the stable identifier used for extracted archive paths.
func (s Scene) ArchiveName() string {
	if s.DisplayID != "" {
		return s.DisplayID
	}
	return s.SceneID
}

// Asset is the fetched payload for a scene. Thumbnails carry Body; archives are
// spooled to local scratch storage and carry Path inside the unit-private
// SpoolDir.
type Asset struct {
	SceneID     string
	Mode        Mode
	ContentType string
	Body        []byte
	Path        string
	SpoolDir    string
	Size        int64
	SourceURL   string
}

// AssetRecord describes an asset durably written to the blob store.
type AssetRecord struct {
	SceneID     string    `json:"scene_id"`
	BlobPath    string    `json:"blob_path"`
	URI         string    `json:"uri"`
	ContentType string    `json:"content_type"`
	ByteSize    int64     `json:"byte_size"`
	SHA256      string    `json:"sha256"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// MemberKind distinguishes archive entries.
type MemberKind string

// Member kinds.
const (
	MemberFile      MemberKind = "file"
	MemberDirectory MemberKind = "directory"
)

// ExtractedMember is the metadata of one archive entry.
type ExtractedMember struct {
	Name          string     `json:"name"`
	Size          int64      `json:"size"`
	Kind          MemberKind `json:"type"`
	ModifiedTime  time.Time  `json:"modified_time"`
	ParentArchive string     `json:"parent_archive"`
	Path          string     `json:"path"`
}

// Manifest describes the field schema of recorded metadata documents.
type Manifest struct {
	Collection string            `json:"collection"`
	Revision   int               `json:"revision"`
	SchemaHash string            `json:"schema_hash"`
	Fields     map[string]string `json:"fields"`
	RunID      string            `json:"run_id"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// SearchRequest is the catalog query for one run.
type SearchRequest struct {
	Dataset       string
	Collection    string
	Region        Region
	Window        TimeWindow
	Bands         []string
	MaxResults    int
	// MaxCloudCover is a percentage; 0 or 100 disables the filter.
	MaxCloudCover int
}

// ThumbnailRequest asks the catalog to render a scene visualization.
type ThumbnailRequest struct {
	Scene      Scene
	Bands      []string
	Min        float64
	Max        float64
	Dimensions int
	Format     string
	Region     BBox
}

// DownloadOption is one downloadable product for a scene.
type DownloadOption struct {
	ID        string `json:"id"`
	EntityID  string `json:"entityId"`
	DisplayID string `json:"displayId"`
	Available bool   `json:"available"`
	URL       string `json:"url"`
	FileSize  int64  `json:"filesize"`
}

// BlobInfo describes a stored blob.
type BlobInfo struct {
	Path    string
	Size    int64
	Updated time.Time
}

// Notification is published after a scene is recorded.
type Notification struct {
	RunID      string `json:"run_id"`
	SceneID    string `json:"scene_id"`
	DisplayID  string `json:"display_id,omitempty"`
	Dataset    string `json:"dataset,omitempty"`
	BlobURI    string `json:"blob_uri"`
	MetadataID string `json:"metadata_id"`
	Timestamp  string `json:"timestamp"`
}

// Request holds validated trigger parameters. Nil/zero fields fall back to
// configured defaults.
type Request struct {
	Collection    string
	Dataset       string
	Window        *TimeWindow
	Region        *Region
	Radius        *float64
	MaxResults    int
	MaxCloudCover *int
	Mode          Mode
}

// Task is one self-contained unit of per-scene work.
type Task struct {
	RunID  string
	Scene  Scene
	Region Region
	Window TimeWindow
	Mode   Mode
}

// SceneOutcome is the result of processing one Task.
type SceneOutcome struct {
	SceneID    string
	Asset      *AssetRecord
	MetadataID string
	Members    int
	Fields     map[string]string
	Skipped    bool
	Err        error
}

// Succeeded reports whether the scene was recorded.
func (o SceneOutcome) Succeeded() bool {
	return o.Err == nil && !o.Skipped && o.Asset != nil
}
