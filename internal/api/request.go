package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
	"github.com/JakeFAU/landsat-ingest/internal/region"
)

const ingestRequestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "collection": {"type": "string", "minLength": 1},
    "dataset": {"type": "string", "minLength": 1},
    "start_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "end_date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
    "region": {
      "type": "object",
      "properties": {
        "coordinates": {"type": "array", "items": {"type": "number"}, "minItems": 2, "maxItems": 2},
        "radius": {"type": "number", "exclusiveMinimum": 0},
        "bbox": {"type": "array", "items": {"type": "number"}, "minItems": 4, "maxItems": 4}
      },
      "anyOf": [{"required": ["coordinates"]}, {"required": ["bbox"]}]
    },
    "radius": {"type": "number", "exclusiveMinimum": 0},
    "max_results": {"type": "integer", "minimum": 1, "maximum": 1000},
    "max_cloud_cover": {"type": "integer", "minimum": 0, "maximum": 100},
    "mode": {"enum": ["thumbnail", "archive"]}
  },
  "dependencies": {
    "start_date": ["end_date"],
    "end_date": ["start_date"]
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(ingestRequestSchema))
})

// ingestRequest is the wire shape of a trigger body.
type ingestRequest struct {
	Collection    string          `json:"collection"`
	Dataset       string          `json:"dataset"`
	StartDate     string          `json:"start_date"`
	EndDate       string          `json:"end_date"`
	Region        json.RawMessage `json:"region"`
	Radius        *float64        `json:"radius"`
	MaxResults    int             `json:"max_results"`
	MaxCloudCover *int            `json:"max_cloud_cover"`
	Mode          string          `json:"mode"`
}

// parseRequest validates body against the trigger schema and converts it into
// an ingest.Request. An empty body means "use every default".
func parseRequest(body []byte, defaultRadius float64) (ingest.Request, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ingest.Request{}, nil
	}
	if err := validateSchema(body); err != nil {
		return ingest.Request{}, err
	}

	var wire ingestRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return ingest.Request{}, fmt.Errorf("invalid JSON: %w", err)
	}

	req := ingest.Request{
		Collection:    wire.Collection,
		Dataset:       wire.Dataset,
		Radius:        wire.Radius,
		MaxResults:    wire.MaxResults,
		MaxCloudCover: wire.MaxCloudCover,
		Mode:          ingest.Mode(wire.Mode),
	}
	if wire.StartDate != "" {
		window, err := parseWindow(wire.StartDate, wire.EndDate)
		if err != nil {
			return ingest.Request{}, err
		}
		req.Window = &window
	}
	if len(wire.Region) > 0 && !bytes.Equal(wire.Region, []byte("null")) {
		r, err := region.ParseRegion(wire.Region, defaultRadius)
		if err != nil {
			return ingest.Request{}, err
		}
		req.Region = &r
	}
	return req, nil
}

func validateSchema(body []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("load request schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}

func parseWindow(start, end string) (ingest.TimeWindow, error) {
	s, err := time.Parse(ingest.DateLayout, start)
	if err != nil {
		return ingest.TimeWindow{}, fmt.Errorf("start_date: %w", err)
	}
	e, err := time.Parse(ingest.DateLayout, end)
	if err != nil {
		return ingest.TimeWindow{}, fmt.Errorf("end_date: %w", err)
	}
	window := ingest.TimeWindow{Start: s, End: e}
	if err := window.Validate(); err != nil {
		return ingest.TimeWindow{}, err
	}
	return window, nil
}
