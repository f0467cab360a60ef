package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/akhenakh/tiledraster/raster"
)

// restServer exposes tiled reads over HTTP.
type restServer struct {
	reader          *raster.TiledReader
	logger          *slog.Logger
	maxSurfaceTiles int
}

func newRouter(s *restServer, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Route("/rasters/{raster}/levels/{level}", func(r chi.Router) {
		r.Get("/", s.getInfo)
		r.Get("/tiles/{x}/{y}", s.getTile)
		r.Get("/surface", s.getSurface)
	})
	return r
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelDebug, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// jsonFloat encodes NaN and infinities as null.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

type bandResponse struct {
	ID     int        `json:"id"`
	NoData *jsonFloat `json:"nodata,omitempty"`
}

type infoResponse struct {
	RasterID       string         `json:"raster_id"`
	Level          int            `json:"level"`
	NativeCellType string         `json:"native_cell_type"`
	TargetCellType string         `json:"target_cell_type"`
	TileWidth      int            `json:"tile_width"`
	TileHeight     int            `json:"tile_height"`
	TilesAcross    int            `json:"tiles_across"`
	TilesDown      int            `json:"tiles_down"`
	ImageWidth     int            `json:"image_width,omitempty"`
	ImageHeight    int            `json:"image_height,omitempty"`
	Bands          []bandResponse `json:"bands"`
}

type tileBandResponse struct {
	BandID int         `json:"band_id"`
	Sparse bool        `json:"sparse"`
	Values []jsonFloat `json:"values"`
}

type tileResponse struct {
	Column int                `json:"column"`
	Row    int                `json:"row"`
	Width  int                `json:"width"`
	Height int                `json:"height"`
	Bands  []tileBandResponse `json:"bands"`
}

type surfaceResponse struct {
	Rect     [4]int      `json:"rect"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	BandID   int         `json:"band_id"`
	CellType string      `json:"cell_type"`
	Values   []jsonFloat `json:"values"`
}

func (s *restServer) datasetInfo(r *http.Request) (*raster.DatasetInfo, error) {
	level, err := strconv.Atoi(chi.URLParam(r, "level"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid level %q", errBadRequest, chi.URLParam(r, "level"))
	}
	return s.reader.DatasetInfo(r.Context(), chi.URLParam(r, "raster"), level)
}

func (s *restServer) getInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.datasetInfo(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := infoResponse{
		RasterID:       info.RasterID,
		Level:          info.Level,
		NativeCellType: info.NativeCellType.String(),
		TargetCellType: info.TargetCellType.String(),
		TileWidth:      info.TileWidth,
		TileHeight:     info.TileHeight,
		TilesAcross:    info.TilesAcross,
		TilesDown:      info.TilesDown,
		ImageWidth:     info.ImageWidth,
		ImageHeight:    info.ImageHeight,
	}
	for _, b := range info.Bands {
		br := bandResponse{ID: b.ID}
		if b.HasNoData {
			v := jsonFloat(b.NoData)
			br.NoData = &v
		}
		resp.Bands = append(resp.Bands, br)
	}
	writeJSON(w, resp)
}

func (s *restServer) getTile(w http.ResponseWriter, r *http.Request) {
	info, err := s.datasetInfo(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	x, errX := strconv.Atoi(chi.URLParam(r, "x"))
	y, errY := strconv.Atoi(chi.URLParam(r, "y"))
	if errX != nil || errY != nil {
		s.writeError(w, r, fmt.Errorf("%w: invalid tile coordinates", errBadRequest))
		return
	}

	src, err := s.reader.Open(r.Context(), info.RasterID, info.Level, image.Rect(x, y, x+1, y+1))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer src.Close()
	tiles, err := src.Next(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	width := info.TargetCellType.Width()
	resp := tileResponse{Column: x, Row: y, Width: info.TileWidth, Height: info.TileHeight}
	for _, t := range tiles {
		values := make([]jsonFloat, t.NumPixels())
		for i := range values {
			values[i] = jsonFloat(t.Value(width, i))
		}
		resp.Bands = append(resp.Bands, tileBandResponse{BandID: t.BandID, Sparse: t.Sparse(), Values: values})
	}
	writeJSON(w, resp)
}

func (s *restServer) getSurface(w http.ResponseWriter, r *http.Request) {
	info, err := s.datasetInfo(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rect, err := parseRect(r, info.Grid())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if n := rect.Dx() * rect.Dy(); n > s.maxSurfaceTiles {
		s.writeError(w, r, fmt.Errorf("%w: %d tiles requested, at most %d allowed", errBadRequest, n, s.maxSurfaceTiles))
		return
	}

	bandID := info.Bands[0].ID
	if v := r.URL.Query().Get("band"); v != "" {
		if bandID, err = strconv.Atoi(v); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: invalid band %q", errBadRequest, v))
			return
		}
	}
	band := info.BandIndex(bandID)
	if band < 0 {
		s.writeError(w, r, fmt.Errorf("%w: band %d", raster.ErrNotFound, bandID))
		return
	}

	format := r.URL.Query().Get("format")
	if format != "" && format != "png" && format != "json" {
		s.writeError(w, r, fmt.Errorf("%w: unknown format %q", errBadRequest, format))
		return
	}

	surface, err := s.reader.Read(r.Context(), info.RasterID, info.Level, rect)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if format == "json" {
		width := surface.CellType.Width()
		plane := surface.Plane(band)
		values := make([]jsonFloat, plane.NumPixels())
		for i := range values {
			values[i] = jsonFloat(plane.Value(width, i))
		}
		writeJSON(w, surfaceResponse{
			Rect:     [4]int{rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y},
			Width:    surface.Width(),
			Height:   surface.Height(),
			BandID:   bandID,
			CellType: surface.CellType.String(),
			Values:   values,
		})
		return
	}

	img, err := surface.Image(band)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.logger.Error("failed to encode png", "error", err)
	}
}

// parseRect reads minx, miny, maxx and maxy, in tile coordinates with
// exclusive maxima, defaulting to the whole grid.
func parseRect(r *http.Request, grid image.Rectangle) (image.Rectangle, error) {
	q := r.URL.Query()
	bounds := [4]int{grid.Min.X, grid.Min.Y, grid.Max.X, grid.Max.Y}
	for i, name := range []string{"minx", "miny", "maxx", "maxy"} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("%w: invalid %s %q", errBadRequest, name, v)
		}
		bounds[i] = n
	}
	rect := image.Rect(bounds[0], bounds[1], bounds[2], bounds[3])
	if rect.Empty() || !rect.In(grid) {
		return image.Rectangle{}, fmt.Errorf("%w: rectangle %v outside grid %v", errBadRequest, rect, grid)
	}
	return rect, nil
}

var errBadRequest = errors.New("bad request")

func (s *restServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, raster.ErrConfig) && !errors.Is(err, raster.ErrNotImplemented):
		code = http.StatusBadRequest
	case errors.Is(err, raster.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, raster.ErrNotImplemented):
		code = http.StatusNotImplemented
	case errors.Is(err, raster.ErrProtocol):
		code = http.StatusBadGateway
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
