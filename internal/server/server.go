package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/kiesman99/fieldstitch/internal/api"
	"github.com/kiesman99/fieldstitch/internal/capture"
	"github.com/kiesman99/fieldstitch/internal/config"
	"github.com/kiesman99/fieldstitch/internal/geometry"
	"github.com/kiesman99/fieldstitch/internal/logging"
	"github.com/kiesman99/fieldstitch/internal/mosaic"
	"github.com/kiesman99/fieldstitch/internal/stitch"
	"github.com/kiesman99/fieldstitch/internal/writer"
	"github.com/kiesman99/fieldstitch/pkg/tile"
)

// Error codes returned in api.ErrorResponse
const (
	CodeInvalidJSON         = "INVALID_JSON"
	CodeShapeUnavailable    = "SHAPE_UNAVAILABLE"
	CodeMalformedCapture    = "MALFORMED_CAPTURE"
	CodeDegenerateGeometry  = "DEGENERATE_GEOMETRY"
	CodeMissingTile         = "MISSING_TILE"
	CodeMissingInput        = "MISSING_INPUT"
	CodePartialStageFailure = "PARTIAL_STAGE_FAILURE"
	CodeTimeout             = "TIMEOUT"
	CodeInternal            = "INTERNAL_ERROR"
)

// Server implements the ServerInterface from the generated API
type Server struct {
	startTime time.Time
	version   string
	cfg       config.Config
	fs        afero.Fs
	resolver  *geometry.Resolver
	log       logging.Logger
}

// NewServer creates a new server instance. Every path named in a request is
// resolved on fs.
func NewServer(version string, cfg config.Config, fs afero.Fs, logger logging.Logger) (*Server, error) {
	resolver, err := geometry.NewResolver(cfg.Calibration)
	if err != nil {
		return nil, err
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		cfg:       cfg,
		fs:        fs,
		resolver:  resolver,
		log:       logging.OrNop(logger),
	}, nil
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	response := api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	}
	s.writeJSON(w, http.StatusOK, response)
}

// CreateTiles converts the requested captures into tiles
func (s *Server) CreateTiles(w http.ResponseWriter, r *http.Request, params api.CreateTilesParams) {
	requestID := generateRequestID()
	log := s.log.With("request_id", requestID)

	var req api.TilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, CodeInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}
	if field, err := validateTilesRequest(&req); err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	captures, err := s.capturesFor(&req)
	if err != nil {
		s.handleProcessingError(w, err, &requestID)
		return
	}
	if len(captures) == 0 {
		s.writeValidationErrorResponse(w, "capture_dir", "no captures found", &requestID)
		return
	}

	stats := &writer.Stats{}
	wr := writer.New(s.fs, s.overwrite(params.Overwrite), stats, log)
	wr.WorldFile = s.cfg.WorldFile
	demosaic := s.cfg.Demosaic
	if req.Demosaic != nil {
		demosaic = *req.Demosaic
	}
	preview := s.cfg.Preview
	if req.Preview != nil {
		preview = *req.Preview
	}
	st := stitch.NewStitcher(s.fs, s.resolver, wr, stitch.Options{
		OutDir:   req.OutDir,
		Demosaic: demosaic,
		Preview:  preview,
		Workers:  s.cfg.Workers,
	}, log)

	log.Infow("converting captures", "captures", len(captures), "out_dir", req.OutDir)
	res := st.ConvertBatch(r.Context(), captures)
	if len(res.Tiles) == 0 && len(res.Failures) > 0 {
		s.handleProcessingError(w, res.Failures[0].Err, &requestID)
		return
	}

	response := api.TilesResponse{
		Tiles:        make([]api.Tile, 0, len(res.Tiles)),
		Failures:     make([]api.CaptureFailure, 0, len(res.Failures)),
		FilesCreated: stats.Created(),
		BytesWritten: stats.Bytes(),
	}
	for _, t := range res.Tiles {
		response.Tiles = append(response.Tiles, api.Tile{
			Path:   t.Path,
			Width:  t.Width,
			Height: t.Height,
			Bands:  t.Bands,
			Bounds: toAPIBounds(t.Bounds()),
		})
	}
	for _, f := range res.Failures {
		_, code := classify(f.Err)
		response.Failures = append(response.Failures, api.CaptureFailure{
			Capture: f.Capture,
			Error:   code,
			Message: f.Err.Error(),
		})
	}

	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, response)
}

// CreateMosaic runs a mosaic job
func (s *Server) CreateMosaic(w http.ResponseWriter, r *http.Request, params api.CreateMosaicParams) {
	requestID := generateRequestID()
	log := s.log.With("request_id", requestID)

	var req api.MosaicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, CodeInvalidJSON,
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	job, field, err := s.mosaicJob(&req, s.overwrite(params.Overwrite))
	if err != nil {
		s.writeValidationErrorResponse(w, field, err.Error(), &requestID)
		return
	}

	stats := &writer.Stats{}
	res, err := mosaic.NewCompositor(s.fs, stats, log).Run(r.Context(), job)
	if err != nil {
		s.handleProcessingError(w, err, &requestID)
		return
	}

	response := api.MosaicResponse{
		Created:      nonNil(res.Created),
		Skipped:      nonNil(res.Skipped),
		FilesCreated: stats.Created(),
		BytesWritten: stats.Bytes(),
	}
	w.Header().Set("X-Request-ID", requestID)
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) overwrite(param *api.Overwrite) bool {
	if param != nil {
		return *param
	}
	return s.cfg.Overwrite
}

// validateTilesRequest returns the offending field along with the error
func validateTilesRequest(req *api.TilesRequest) (string, error) {
	if strings.TrimSpace(req.OutDir) == "" {
		return "out_dir", fmt.Errorf("out_dir is required")
	}
	hasDir := req.CaptureDir != nil && *req.CaptureDir != ""
	hasList := req.Captures != nil && len(*req.Captures) > 0
	switch {
	case hasDir && hasList:
		return "captures", fmt.Errorf("captures should not be provided together with capture_dir")
	case !hasDir && !hasList:
		return "capture_dir", fmt.Errorf("either capture_dir or captures is required")
	}
	if hasList {
		for i, c := range *req.Captures {
			if c.Name == "" || c.Metadata == "" || c.Left == "" || c.Right == "" {
				return fmt.Sprintf("captures[%d]", i), fmt.Errorf("name, metadata, left and right are required")
			}
		}
	}
	return "", nil
}

func (s *Server) capturesFor(req *api.TilesRequest) ([]stitch.Capture, error) {
	if req.CaptureDir != nil && *req.CaptureDir != "" {
		return stitch.Discover(s.fs, *req.CaptureDir)
	}
	captures := make([]stitch.Capture, 0, len(*req.Captures))
	for _, c := range *req.Captures {
		captures = append(captures, stitch.Capture{
			Name:     c.Name,
			Metadata: c.Metadata,
			Raw:      map[tile.Side]string{tile.Left: c.Left, tile.Right: c.Right},
		})
	}
	return captures, nil
}

// mosaicJob converts the request into a job, returning the offending field on error
func (s *Server) mosaicJob(req *api.MosaicRequest, overwrite bool) (mosaic.Job, string, error) {
	job := mosaic.Job{
		VRTPath:   req.VrtPath,
		Overwrite: overwrite,
		Workers:   s.cfg.Workers,
		CellSize:  s.cfg.Mosaic.CellSize,
	}
	if strings.TrimSpace(req.VrtPath) == "" {
		return job, "vrt_path", fmt.Errorf("vrt_path is required")
	}
	if filepath.Ext(req.VrtPath) != ".vrt" {
		return job, "vrt_path", fmt.Errorf("vrt_path must end in .vrt")
	}

	hasTiles := req.Tiles != nil && len(*req.Tiles) > 0
	hasList := req.TileList != nil && *req.TileList != ""
	switch {
	case hasTiles && hasList:
		return job, "tile_list", fmt.Errorf("tile_list should not be provided together with tiles")
	case hasTiles:
		job.Tiles = *req.Tiles
	case hasList:
		tiles, err := mosaic.LoadTileList(s.fs, *req.TileList)
		if err != nil {
			return job, "tile_list", err
		}
		job.Tiles = tiles
	default:
		return job, "tiles", fmt.Errorf("either tiles or tile_list is required")
	}

	modeName, split := s.cfg.Mosaic.Mode, s.cfg.Mosaic.Split
	if req.Mode != nil {
		modeName = string(*req.Mode)
	}
	if req.Split != nil {
		split = *req.Split
	}
	mode, err := mosaic.ParseMode(modeName, split)
	if err != nil {
		return job, "mode", err
	}
	job.Mode = mode

	if req.WorkDir != nil {
		job.WorkDir = *req.WorkDir
	}

	extent := s.cfg.Field.Extent
	if req.Extent != nil {
		extent = fromAPIBounds(*req.Extent)
	}
	if err := extent.Validate(); err != nil {
		return job, "extent", err
	}
	job.Extent = &extent

	if req.Outputs != nil && len(*req.Outputs) > 0 {
		for _, o := range *req.Outputs {
			job.Outputs = append(job.Outputs, mosaic.Resolution{Name: o.Name, Scale: o.Scale, Path: o.Path})
		}
	} else {
		job.Outputs = mosaic.DefaultOutputs(req.VrtPath, s.cfg.Mosaic.ThumbnailScale)
	}

	if err := job.Validate(); err != nil {
		return job, "outputs", err
	}
	return job, "", nil
}

// classify maps a processing error onto an HTTP status and error code
func classify(err error) (int, string) {
	var (
		shape     *capture.ShapeUnavailableError
		malformed *capture.MalformedCaptureError
		degen     *tile.DegenerateGeometryError
		missing   *mosaic.MissingTileError
		partial   *mosaic.PartialStageFailure
	)
	switch {
	case errors.As(err, &partial):
		return http.StatusInternalServerError, CodePartialStageFailure
	case errors.As(err, &shape):
		return http.StatusUnprocessableEntity, CodeShapeUnavailable
	case errors.As(err, &malformed):
		return http.StatusUnprocessableEntity, CodeMalformedCapture
	case errors.As(err, &degen):
		return http.StatusUnprocessableEntity, CodeDegenerateGeometry
	case errors.As(err, &missing):
		return http.StatusNotFound, CodeMissingTile
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound, CodeMissingInput
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, CodeTimeout
	}
	return http.StatusInternalServerError, CodeInternal
}

// handleProcessingError handles errors from the conversion and compositing pipelines
func (s *Server) handleProcessingError(w http.ResponseWriter, err error, requestID *string) {
	status, code := classify(err)
	s.log.Warnw("request failed", "request_id", *requestID, "code", code, "error", err)

	var details map[string]interface{}
	var partial *mosaic.PartialStageFailure
	var missing *mosaic.MissingTileError
	switch {
	case errors.As(err, &partial):
		failed := make([]string, len(partial.Failed))
		for i, f := range partial.Failed {
			failed[i] = f.Path
		}
		details = map[string]interface{}{
			"completed": partial.Completed,
			"failed":    failed,
		}
	case errors.As(err, &missing):
		details = map[string]interface{}{"path": missing.Path}
	}

	message := err.Error()
	if code == CodeInternal {
		message = "Internal server error"
	}
	s.writeErrorResponse(w, status, code, message, requestID, details)
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}

	if details != nil {
		response.Details = &details
	}
	s.writeJSON(w, statusCode, response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, field, message string, requestID *string) {
	if field == "" {
		field = "request"
	}
	response := api.ValidationErrorResponse{
		Error:     api.VALIDATIONERROR,
		Message:   message,
		RequestId: requestID,
		ValidationErrors: []struct {
			Code    *string `json:"code,omitempty"`
			Field   string  `json:"field"`
			Message string  `json:"message"`
		}{
			{
				Field:   field,
				Message: message,
			},
		},
	}
	s.writeJSON(w, http.StatusBadRequest, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("encoding response", "error", err)
	}
}

func toAPIBounds(b tile.BoundingBox) api.BoundingBox {
	return api.BoundingBox{LatMax: b.LatMax, LatMin: b.LatMin, LngMax: b.LngMax, LngMin: b.LngMin}
}

func fromAPIBounds(b api.BoundingBox) tile.BoundingBox {
	return tile.BoundingBox{LatMax: b.LatMax, LatMin: b.LatMin, LngMax: b.LngMax, LngMin: b.LngMin}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// generateRequestID generates a unique request ID
func generateRequestID() string {
	return "req_" + uuid.NewString()
}
