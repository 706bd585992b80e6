package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

func TestSearchBuildsQueryAndMapsScenes(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/scene-search", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Auth-Token"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, map[string]any{"results": []map[string]any{
			{
				"entityId":        "LC81950282022193LGN00",
				"displayId":       "LC08_L1TP_195028_20220712",
				"name":            "LANDSAT/LC08/C02/T1_TOA/LC08_195028_20220712",
				"acquisitionDate": "2022-07-12T10:15:00Z",
				"properties":      map[string]any{"CLOUD_COVER": 3.2},
			},
			{"entityId": "E2", "displayId": "D2"},
		}}, "", "")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "secret")
	window := ingest.TimeWindow{
		Start: time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC),
	}
	scenes, err := client.Search(context.Background(), ingest.SearchRequest{
		Dataset:       "landsat_ot_c2_l1",
		Region:        ingest.BoxRegion(ingest.BBox{MinLon: 21, MinLat: 52, MaxLon: 22, MaxLat: 53}),
		Window:        window,
		Bands:         []string{"B4", "B3", "B2"},
		MaxResults:    4,
		MaxCloudCover: 10,
	})
	require.NoError(t, err)
	require.Len(t, scenes, 2)

	assert.Equal(t, "LC08_195028_20220712", scenes[0].SceneID)
	assert.Equal(t, "2022-07-12", scenes[0].AcquisitionDate)
	assert.Equal(t, "landsat_ot_c2_l1", scenes[0].Dataset)
	assert.Equal(t, "D2", scenes[1].SceneID)
	assert.Equal(t, ingest.UnknownDate, scenes[1].AcquisitionDate)

	assert.Equal(t, "landsat_ot_c2_l1", got["datasetName"])
	assert.Equal(t, float64(4), got["maxResults"])
	acq := got["acquisitionFilter"].(map[string]any)
	assert.Equal(t, "2022-04-01", acq["start"])
	assert.Equal(t, "2022-07-01", acq["end"])
	spatial := got["spatialFilter"].(map[string]any)
	assert.Equal(t, map[string]any{"longitude": 21.0, "latitude": 52.0}, spatial["lowerLeft"])
	assert.Equal(t, map[string]any{"min": 0.0, "max": 10.0}, got["cloudCoverFilter"])
}

func TestSearchNon2xxIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "").Search(context.Background(), ingest.SearchRequest{Region: ingest.DefaultRegion})
	require.ErrorIs(t, err, ingest.ErrTransport)
	var te *ingest.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
}

func TestSearchEnvelopeErrorIsAPIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, nil, "DATASET_INVALID", "unknown dataset")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, "").Search(context.Background(), ingest.SearchRequest{Region: ingest.DefaultRegion})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "DATASET_INVALID", apiErr.Code)
}

func TestThumbnailURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body thumbnailBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Name == "broken" {
			writeEnvelope(w, nil, ErrorRenderUnavailable, "no pixels")
			return
		}
		assert.Equal(t, []string{"B4", "B3", "B2"}, body.Bands)
		assert.InDelta(t, 0.4, body.Max, 1e-9)
		assert.Equal(t, 512, body.Dimensions)
		writeEnvelope(w, map[string]any{"url": "https://render/x.png"}, "", "")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, "")
	url, err := client.ThumbnailURL(context.Background(), ingest.ThumbnailRequest{
		Scene:      ingest.Scene{SceneID: "ok"},
		Bands:      []string{"B4", "B3", "B2"},
		Max:        0.4,
		Dimensions: 512,
		Format:     "png",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://render/x.png", url)

	_, err = client.ThumbnailURL(context.Background(), ingest.ThumbnailRequest{Scene: ingest.Scene{SceneID: "broken"}})
	require.ErrorIs(t, err, ingest.ErrRenderUnavailable)
}

func TestDownloadOptionsFiltersUnavailable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body downloadOptionsBody
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"E1"}, body.EntityIDs)
		writeEnvelope(w, []map[string]any{
			{"id": "1", "entityId": "E1", "available": false, "url": "https://x/1"},
			{"id": "2", "entityId": "E1", "available": true, "url": "https://x/2", "filesize": 42},
			{"id": "3", "entityId": "E1", "available": true},
		}, "", "")
	}))
	defer srv.Close()

	opts, err := newTestClient(t, srv.URL, "").DownloadOptions(context.Background(), "ds", ingest.Scene{SceneID: "S", EntityID: "E1"})
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, "https://x/2", opts[0].URL)
	assert.Equal(t, int64(42), opts[0].FileSize)
}

func TestLoginOnceThenReuseToken(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			logins.Add(1)
			writeEnvelope(w, "tok-1", "", "")
			return
		}
		assert.Equal(t, "tok-1", r.Header.Get("X-Auth-Token"))
		writeEnvelope(w, []any{}, "", "")
	}))
	defer srv.Close()

	client, err := New(Config{BaseURL: srv.URL, Username: "u", Password: "p"}, srv.Client(), zap.NewNop())
	require.NoError(t, err)
	for range 3 {
		_, err := client.DownloadOptions(context.Background(), "ds", ingest.Scene{SceneID: "S"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), logins.Load())
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
}

func newTestClient(t *testing.T, baseURL, token string) *Client {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL + "/", Token: token}, nil, zap.NewNop())
	require.NoError(t, err)
	return client
}

func writeEnvelope(w http.ResponseWriter, data any, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":         data,
		"errorCode":    code,
		"errorMessage": message,
	})
}
