package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/fieldstitch/internal/api"
	"github.com/kiesman99/fieldstitch/internal/config"
	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Test server setup
func setupTestServer(t *testing.T, fs afero.Fs) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Workers = 2

	apiServer, err := NewServer("2.0.0-test", cfg, fs, nil)
	require.NoError(t, err)

	server := httptest.NewServer(NewRouter(apiServer, 30*time.Second, nil))
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// writeCapture stores a 4x3 capture; short trims both buffers
func writeCapture(t *testing.T, fs afero.Fs, name string, z float64, short int) {
	t.Helper()
	md := fmt.Sprintf(`{
  "sensor_fixed_metadata": {"bit_depth": 8, "cameras": {"left": {"width": 4, "height": 3}, "right": {"width": 4, "height": 3}}},
  "gantry_variable_metadata": {"position_m": {"x": 3, "y": 2, "z": %g}}
}`, z)
	require.NoError(t, afero.WriteFile(fs, "/raw/"+name+"_metadata.json", []byte(md), 0o644))
	buf := bytes.Repeat([]byte{90}, 12)
	require.NoError(t, afero.WriteFile(fs, "/raw/"+name+"_left.bin", buf[:12-short], 0o644))
	require.NoError(t, afero.WriteFile(fs, "/raw/"+name+"_right.bin", buf[:12-short], 0o644))
}

const px = 1.0 / 1024

func writeGrayTile(t *testing.T, fs afero.Fs, path string, col0 int, v uint8) tile.BoundingBox {
	t.Helper()
	b := tile.BoundingBox{
		LngMin: -112 + float64(col0)*px,
		LngMax: -112 + float64(col0+8)*px,
		LatMax: 33,
		LatMin: 33 - 8*px,
	}
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	_, err := writer.New(fs, true, nil, nil).Write(context.Background(), img, b, path, nil)
	require.NoError(t, err)
	return b
}

func TestHealthEndpoint(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	resp, err := http.Get(server.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	health := decode[api.HealthResponse](t, resp)
	assert.Equal(t, api.Healthy, health.Status)
	require.NotNil(t, health.Version)
	assert.Equal(t, "2.0.0-test", *health.Version)
	require.NotNil(t, health.Uptime)
	assert.GreaterOrEqual(t, *health.Uptime, 0)
	assert.WithinDuration(t, time.Now(), health.Timestamp, time.Minute)
}

func TestLegacyHealthRedirect(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/api/v1/health", resp.Request.URL.Path)
}

func TestTilesEndpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCapture(t, fs, "a", 2, 0)
	writeCapture(t, fs, "b", 2, 1)
	server := setupTestServer(t, fs)

	resp := postJSON(t, server.URL+"/api/v1/tiles", api.TilesRequest{
		CaptureDir: strPtr("/raw"),
		OutDir:     "/tiles",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	body := decode[api.TilesResponse](t, resp)
	require.Len(t, body.Tiles, 2)
	assert.Equal(t, "/tiles/a_left.tif", body.Tiles[0].Path)
	assert.Equal(t, 4, body.Tiles[0].Width)
	assert.Equal(t, 3, body.Tiles[0].Height)
	assert.Greater(t, body.Tiles[0].Bounds.LatMax, body.Tiles[0].Bounds.LatMin)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, "b", body.Failures[0].Capture)
	assert.Equal(t, CodeMalformedCapture, body.Failures[0].Error)
	assert.Equal(t, 2, body.FilesCreated)
	assert.Positive(t, body.BytesWritten)

	// a repeat without overwrite writes nothing
	resp = postJSON(t, server.URL+"/api/v1/tiles", api.TilesRequest{CaptureDir: strPtr("/raw"), OutDir: "/tiles"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, decode[api.TilesResponse](t, resp).FilesCreated)

	resp = postJSON(t, server.URL+"/api/v1/tiles?overwrite=true", api.TilesRequest{CaptureDir: strPtr("/raw"), OutDir: "/tiles"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, decode[api.TilesResponse](t, resp).FilesCreated)
}

func TestTilesEndpoint_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCapture(t, fs, "low", -5, 0)
	writeCapture(t, fs, "short", 2, 1)
	server := setupTestServer(t, fs)

	tests := []struct {
		name       string
		capture    string
		wantStatus int
		wantCode   string
	}{
		{"degenerate geometry", "low", http.StatusUnprocessableEntity, CodeDegenerateGeometry},
		{"malformed capture", "short", http.StatusUnprocessableEntity, CodeMalformedCapture},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/api/v1/tiles", api.TilesRequest{
				OutDir: "/tiles",
				Captures: &[]api.CaptureRef{{
					Name:     tt.capture,
					Metadata: "/raw/" + tt.capture + "_metadata.json",
					Left:     "/raw/" + tt.capture + "_left.bin",
					Right:    "/raw/" + tt.capture + "_right.bin",
				}},
			})
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decode[api.ErrorResponse](t, resp)
			assert.Equal(t, tt.wantCode, body.Error)
			require.NotNil(t, body.RequestId)
		})
	}

	ok, err := afero.Exists(fs, "/tiles/low_left.tif")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTilesEndpoint_OneSideFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeCapture(t, fs, "half", 2, 0)
	require.NoError(t, afero.WriteFile(fs, "/raw/half_left.bin", []byte{1, 2, 3}, 0o644))
	writeCapture(t, fs, "gone", 2, 0)
	server := setupTestServer(t, fs)

	resp := postJSON(t, server.URL+"/api/v1/tiles", api.TilesRequest{
		OutDir: "/tiles",
		Captures: &[]api.CaptureRef{{
			Name:     "half",
			Metadata: "/raw/half_metadata.json",
			Left:     "/raw/half_left.bin",
			Right:    "/raw/half_right.bin",
		}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.TilesResponse](t, resp)
	require.Len(t, body.Tiles, 1)
	assert.Equal(t, "/tiles/half_right.tif", body.Tiles[0].Path)
	require.Len(t, body.Failures, 1)
	assert.Equal(t, CodeMalformedCapture, body.Failures[0].Error)

	resp = postJSON(t, server.URL+"/api/v1/tiles", api.TilesRequest{
		OutDir: "/tiles",
		Captures: &[]api.CaptureRef{{
			Name:     "gone",
			Metadata: "/raw/gone_metadata.json",
			Left:     "/raw/gone_left_missing.bin",
			Right:    "/raw/gone_right_missing.bin",
		}},
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeMissingInput, decode[api.ErrorResponse](t, resp).Error)
}

func TestTilesEndpoint_Validation(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	tests := []struct {
		name    string
		request api.TilesRequest
		field   string
	}{
		{"missing out_dir", api.TilesRequest{CaptureDir: strPtr("/raw")}, "out_dir"},
		{"no source", api.TilesRequest{OutDir: "/tiles"}, "capture_dir"},
		{"both sources", api.TilesRequest{
			OutDir:     "/tiles",
			CaptureDir: strPtr("/raw"),
			Captures:   &[]api.CaptureRef{{Name: "a", Metadata: "m", Left: "l", Right: "r"}},
		}, "captures"},
		{"incomplete capture", api.TilesRequest{
			OutDir:   "/tiles",
			Captures: &[]api.CaptureRef{{Name: "a", Metadata: "m"}},
		}, "captures[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/api/v1/tiles", tt.request)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[api.ValidationErrorResponse](t, resp)
			assert.Equal(t, api.VALIDATIONERROR, body.Error)
			require.Len(t, body.ValidationErrors, 1)
			assert.Equal(t, tt.field, body.ValidationErrors[0].Field)
		})
	}
}

func TestInvalidJSON(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	for _, path := range []string{"/api/v1/tiles", "/api/v1/mosaics"} {
		resp, err := http.Post(server.URL+path, "application/json", bytes.NewBufferString("{invalid json"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestInvalidOverwriteParam(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	resp := postJSON(t, server.URL+"/api/v1/mosaics?overwrite=maybe", api.MosaicRequest{VrtPath: "/m.vrt"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode[api.ValidationErrorResponse](t, resp)
	assert.Equal(t, "query", body.ValidationErrors[0].Field)
}

func TestMosaicEndpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	west := writeGrayTile(t, fs, "/tiles/west.tif", 0, 200)
	east := writeGrayTile(t, fs, "/tiles/east.tif", 8, 50)
	extent := west.Union(east)
	server := setupTestServer(t, fs)

	request := api.MosaicRequest{
		Tiles:   &[]string{"/tiles/west.tif", "/tiles/east.tif"},
		VrtPath: "/field/mosaic.vrt",
		Extent:  &api.BoundingBox{LatMax: extent.LatMax, LatMin: extent.LatMin, LngMax: extent.LngMax, LngMin: extent.LngMin},
	}
	resp := postJSON(t, server.URL+"/api/v1/mosaics", request)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[api.MosaicResponse](t, resp)
	assert.Equal(t, []string{"/field/mosaic.vrt", "/field/mosaic_thumb.tif", "/field/mosaic.tif"}, body.Created)
	assert.Empty(t, body.Skipped)
	assert.Equal(t, 3, body.FilesCreated)

	// every stage is reused on a second run
	resp = postJSON(t, server.URL+"/api/v1/mosaics", request)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[api.MosaicResponse](t, resp)
	assert.Empty(t, body.Created)
	assert.Len(t, body.Skipped, 3)
	assert.Equal(t, 0, body.FilesCreated)
}

func TestMosaicEndpoint_Darker(t *testing.T) {
	fs := afero.NewMemMapFs()
	west := writeGrayTile(t, fs, "/tiles/west.tif", 0, 200)
	east := writeGrayTile(t, fs, "/tiles/east.tif", 4, 50)
	extent := west.Union(east)
	require.NoError(t, afero.WriteFile(fs, "/tiles.txt", []byte("/tiles/west.tif\n/tiles/east.tif\n"), 0o644))
	server := setupTestServer(t, fs)

	mode := api.Darker
	resp := postJSON(t, server.URL+"/api/v1/mosaics", api.MosaicRequest{
		TileList: strPtr("/tiles.txt"),
		VrtPath:  "/field/dark.vrt",
		Mode:     &mode,
		Split:    intPtr(2),
		Extent:   &api.BoundingBox{LatMax: extent.LatMax, LatMin: extent.LatMin, LngMax: extent.LngMax, LngMin: extent.LngMin},
		Outputs:  &[]api.Resolution{{Name: "full", Scale: 1, Path: "/field/dark.tif"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[api.MosaicResponse](t, resp)
	assert.Equal(t, []string{"/field/dark.vrt", "/field/dark.tif"}, body.Created)

	ok, err := afero.DirExists(fs, "/field/dark_work/unite")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMosaicEndpoint_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeGrayTile(t, fs, "/tiles/west.tif", 0, 200)
	server := setupTestServer(t, fs)

	t.Run("missing tile", func(t *testing.T) {
		resp := postJSON(t, server.URL+"/api/v1/mosaics", api.MosaicRequest{
			Tiles:   &[]string{"/tiles/west.tif", "/tiles/gone.tif"},
			VrtPath: "/field/missing.vrt",
		})
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
		body := decode[api.ErrorResponse](t, resp)
		assert.Equal(t, CodeMissingTile, body.Error)
		require.NotNil(t, body.Details)
		assert.Equal(t, "/tiles/gone.tif", (*body.Details)["path"])
	})

	validation := []struct {
		name    string
		request api.MosaicRequest
		field   string
	}{
		{"missing vrt_path", api.MosaicRequest{Tiles: &[]string{"/tiles/west.tif"}}, "vrt_path"},
		{"wrong extension", api.MosaicRequest{Tiles: &[]string{"/tiles/west.tif"}, VrtPath: "/m.tif"}, "vrt_path"},
		{"no tiles", api.MosaicRequest{VrtPath: "/m.vrt"}, "tiles"},
		{"zero split", api.MosaicRequest{Tiles: &[]string{"/tiles/west.tif"}, VrtPath: "/m.vrt", Mode: modePtr(api.Darker), Split: intPtr(0)}, "mode"},
		{"inverted extent", api.MosaicRequest{
			Tiles:   &[]string{"/tiles/west.tif"},
			VrtPath: "/m.vrt",
			Extent:  &api.BoundingBox{LatMax: 1, LatMin: 2, LngMax: 2, LngMin: 1},
		}, "extent"},
		{"bad scale", api.MosaicRequest{
			Tiles:   &[]string{"/tiles/west.tif"},
			VrtPath: "/m.vrt",
			Outputs: &[]api.Resolution{{Name: "full", Scale: 0, Path: "/m.tif"}},
		}, "outputs"},
	}
	for _, tt := range validation {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, server.URL+"/api/v1/mosaics", tt.request)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[api.ValidationErrorResponse](t, resp)
			assert.Equal(t, tt.field, body.ValidationErrors[0].Field)
		})
	}
}

func TestCORS(t *testing.T) {
	server := setupTestServer(t, afero.NewMemMapFs())

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/api/v1/tiles", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

// Helper functions
func strPtr(s string) *string {
	return &s
}

func intPtr(i int) *int {
	return &i
}

func modePtr(m api.MosaicRequestMode) *api.MosaicRequestMode {
	return &m
}
