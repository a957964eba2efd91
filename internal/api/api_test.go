package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type overwriteRecorder struct {
	Unimplemented
	tiles  *bool
	mosaic *bool
}

func (o *overwriteRecorder) CreateTiles(w http.ResponseWriter, r *http.Request, params CreateTilesParams) {
	o.tiles = params.Overwrite
	w.WriteHeader(http.StatusAccepted)
}

func (o *overwriteRecorder) CreateMosaic(w http.ResponseWriter, r *http.Request, params CreateMosaicParams) {
	o.mosaic = params.Overwrite
	w.WriteHeader(http.StatusAccepted)
}

func TestHandlerRoutes(t *testing.T) {
	h := HandlerWithOptions(Unimplemented{}, ChiServerOptions{BaseURL: "/api/v1", BaseRouter: chi.NewRouter()})

	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/api/v1/health", http.StatusNotImplemented},
		{http.MethodPost, "/api/v1/tiles", http.StatusNotImplemented},
		{http.MethodPost, "/api/v1/mosaics", http.StatusNotImplemented},
		{http.MethodGet, "/api/v1/tiles", http.StatusMethodNotAllowed},
		{http.MethodGet, "/health", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestOverwriteQueryBinding(t *testing.T) {
	si := &overwriteRecorder{}
	h := Handler(si)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tiles?overwrite=true", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, si.tiles)
	assert.True(t, *si.tiles)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mosaics", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Nil(t, si.mosaic)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mosaics?overwrite=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Invalid format for parameter overwrite")
}
