// Package catalog is the JSON-over-HTTP client for the remote imagery catalog:
// scene search, thumbnail rendering, and download options.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// ErrorRenderUnavailable is the catalog error code for a failed render.
const ErrorRenderUnavailable = "RENDER_UNAVAILABLE"

// Config configures the Client.
type Config struct {
	BaseURL  string
	Token    string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the catalog API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	token string
}

// New builds a Client. A nil httpClient gets a default with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("catalog base url is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger, token: cfg.Token}, nil
}

type envelope struct {
	Data         json.RawMessage `json:"data"`
	ErrorCode    string          `json:"errorCode"`
	ErrorMessage string          `json:"errorMessage"`
}

// APIError is a catalog-level failure reported inside a 2xx envelope.
type APIError struct {
	Endpoint string
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("catalog %s: %s: %s", e.Endpoint, e.Code, e.Message)
}

type point struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

type spatialFilter struct {
	FilterType string `json:"filterType"`
	LowerLeft  point  `json:"lowerLeft"`
	UpperRight point  `json:"upperRight"`
}

type acquisitionFilter struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type cloudCoverFilter struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type searchBody struct {
	DatasetName       string            `json:"datasetName"`
	Collection        string            `json:"collection,omitempty"`
	SpatialFilter     spatialFilter     `json:"spatialFilter"`
	AcquisitionFilter acquisitionFilter `json:"acquisitionFilter"`
	CloudCoverFilter  *cloudCoverFilter `json:"cloudCoverFilter,omitempty"`
	Bands             []string          `json:"bands,omitempty"`
	MaxResults        int               `json:"maxResults,omitempty"`
}

type searchResult struct {
	EntityID        string         `json:"entityId"`
	DisplayID       string         `json:"displayId"`
	Name            string         `json:"name"`
	AcquisitionDate string         `json:"acquisitionDate"`
	Bands           []string       `json:"bands"`
	Properties      map[string]any `json:"properties"`
}

type searchData struct {
	Results []searchResult `json:"results"`
}

// Search runs a scene query over the region bounds and window.
func (c *Client) Search(ctx context.Context, req ingest.SearchRequest) ([]ingest.Scene, error) {
	bounds := req.Region.Bounds()
	body := searchBody{
		DatasetName: req.Dataset,
		Collection:  req.Collection,
		SpatialFilter: spatialFilter{
			FilterType: "mbr",
			LowerLeft:  point{Longitude: bounds.MinLon, Latitude: bounds.MinLat},
			UpperRight: point{Longitude: bounds.MaxLon, Latitude: bounds.MaxLat},
		},
		AcquisitionFilter: acquisitionFilter{
			Start: req.Window.Start.Format(ingest.DateLayout),
			End:   req.Window.End.Format(ingest.DateLayout),
		},
		Bands:      req.Bands,
		MaxResults: req.MaxResults,
	}
	if req.MaxCloudCover > 0 && req.MaxCloudCover < 100 {
		body.CloudCoverFilter = &cloudCoverFilter{Min: 0, Max: req.MaxCloudCover}
	}

	var data searchData
	if err := c.call(ctx, "scene-search", body, &data); err != nil {
		return nil, err
	}

	scenes := make([]ingest.Scene, 0, len(data.Results))
	for _, r := range data.Results {
		scenes = append(scenes, toScene(r, req.Dataset))
	}
	c.logger.Debug("catalog search complete",
		zap.String("dataset", req.Dataset),
		zap.Int("results", len(scenes)),
	)
	return scenes, nil
}

func toScene(r searchResult, dataset string) ingest.Scene {
	id := ingest.SceneIDFromName(r.Name)
	if id == "" {
		id = r.DisplayID
	}
	if id == "" {
		id = r.EntityID
	}
	date := strings.TrimSpace(r.AcquisitionDate)
	if date == "" {
		date = ingest.UnknownDate
	} else if t, err := time.Parse(time.RFC3339, date); err == nil {
		date = t.UTC().Format(ingest.DateLayout)
	}
	return ingest.Scene{
		SceneID:         id,
		Name:            r.Name,
		EntityID:        r.EntityID,
		DisplayID:       r.DisplayID,
		Dataset:         dataset,
		AcquisitionDate: date,
		Bands:           r.Bands,
		Properties:      r.Properties,
	}
}

type thumbnailBody struct {
	Name       string    `json:"name"`
	Bands      []string  `json:"bands"`
	Min        float64   `json:"min"`
	Max        float64   `json:"max"`
	Dimensions int       `json:"dimensions"`
	Format     string    `json:"format"`
	Region     []float64 `json:"region"`
}

type thumbnailData struct {
	URL string `json:"url"`
}

// ThumbnailURL asks the catalog to render a scene and returns the download URL.
// Any catalog-level error is reported as ErrRenderUnavailable.
func (c *Client) ThumbnailURL(ctx context.Context, req ingest.ThumbnailRequest) (string, error) {
	name := req.Scene.Name
	if name == "" {
		name = req.Scene.SceneID
	}
	body := thumbnailBody{
		Name:       name,
		Bands:      req.Bands,
		Min:        req.Min,
		Max:        req.Max,
		Dimensions: req.Dimensions,
		Format:     req.Format,
		Region:     []float64{req.Region.MinLon, req.Region.MinLat, req.Region.MaxLon, req.Region.MaxLat},
	}
	var data thumbnailData
	if err := c.call(ctx, "thumbnail", body, &data); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %s", ingest.ErrRenderUnavailable, apiErr.Message)
		}
		return "", err
	}
	if data.URL == "" {
		return "", fmt.Errorf("%w: empty url for %s", ingest.ErrRenderUnavailable, name)
	}
	return data.URL, nil
}

type downloadOptionsBody struct {
	DatasetName string   `json:"datasetName"`
	EntityIDs   []string `json:"entityIds"`
}

// DownloadOptions lists the available downloadable products for a scene.
func (c *Client) DownloadOptions(ctx context.Context, dataset string, scene ingest.Scene) ([]ingest.DownloadOption, error) {
	entityID := scene.EntityID
	if entityID == "" {
		entityID = scene.SceneID
	}
	var options []ingest.DownloadOption
	body := downloadOptionsBody{DatasetName: dataset, EntityIDs: []string{entityID}}
	if err := c.call(ctx, "download-options", body, &options); err != nil {
		return nil, err
	}
	available := options[:0]
	for _, opt := range options {
		if opt.Available && opt.URL != "" {
			available = append(available, opt)
		}
	}
	return available, nil
}

type loginBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" || c.cfg.Username == "" {
		return c.token, nil
	}
	var token string
	if err := c.post(ctx, "login", "", loginBody{Username: c.cfg.Username, Password: c.cfg.Password}, &token); err != nil {
		return "", fmt.Errorf("catalog login: %w", err)
	}
	c.token = token
	return token, nil
}

func (c *Client) call(ctx context.Context, endpoint string, body, out any) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}
	return c.post(ctx, endpoint, token, body, out)
}

func (c *Client) post(ctx context.Context, endpoint, token string, body, out any) error {
	url := c.cfg.BaseURL + "/" + endpoint
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("X-Auth-Token", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ingest.TransportError{URL: url, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &ingest.TransportError{URL: url, StatusCode: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &ingest.TransportError{URL: url, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.ErrorCode != "" {
		return &APIError{Endpoint: endpoint, Code: env.ErrorCode, Message: env.ErrorMessage}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", endpoint, err)
	}
	return nil
}
