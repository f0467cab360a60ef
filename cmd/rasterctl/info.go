package main

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akhenakh/tiledraster/raster"
	"github.com/akhenakh/tiledraster/store/sqlitestore"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the levels and bands of a raster",
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().Float64("lon", math.NaN(), "longitude to locate, GeoTIFF only")
	infoCmd.Flags().Float64("lat", math.NaN(), "latitude to locate, GeoTIFF only")

	viper.BindPFlag("info.lon", infoCmd.Flags().Lookup("lon"))
	viper.BindPFlag("info.lat", infoCmd.Flags().Lookup("lat"))
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()
	b, err := openBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	rasterID := viper.GetString("raster")
	var levels []int
	switch s := b.(type) {
	case *sqlitestore.Store:
		rasters, err := s.Rasters(ctx)
		if err != nil {
			return err
		}
		levels = rasters[rasterID]
	case *cogBackend:
		for l := range s.Levels() {
			levels = append(levels, l)
		}
	}
	if len(levels) == 0 {
		return fmt.Errorf("%w: raster %s", raster.ErrNotFound, rasterID)
	}

	out := cmd.OutOrStdout()
	for _, level := range levels {
		info, err := b.DatasetInfo(ctx, rasterID, level)
		if err != nil {
			return err
		}
		printInfo(out, info)
	}

	c, ok := b.(*cogBackend)
	if !ok {
		return nil
	}
	bounds, err := c.Bounds()
	if err != nil {
		logger.Warn("GeoTIFF is not georeferenced", "error", err)
		return nil
	}
	fmt.Fprintf(out, "bounds %s\n", bounds)

	lon, lat := viper.GetFloat64("info.lon"), viper.GetFloat64("info.lat")
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return nil
	}
	x, y, err := c.PixelAt(lon, lat)
	if err != nil {
		return err
	}
	info, err := c.DatasetInfo(ctx, rasterID, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pixel (%d,%d) in tile (%d,%d)\n", x, y, x/info.TileWidth, y/info.TileHeight)
	return nil
}

func printInfo(w io.Writer, info *raster.DatasetInfo) {
	fmt.Fprintf(w, "%s level %d: %s -> %s, %dx%d tiles of %dx%d",
		info.RasterID, info.Level, info.NativeCellType, info.TargetCellType,
		info.TilesAcross, info.TilesDown, info.TileWidth, info.TileHeight)
	if info.ImageWidth > 0 {
		fmt.Fprintf(w, ", image %dx%d", info.ImageWidth, info.ImageHeight)
	}
	fmt.Fprintln(w)
	for _, band := range info.Bands {
		if band.HasNoData {
			fmt.Fprintf(w, "  band %d nodata %g\n", band.ID, band.NoData)
		} else {
			fmt.Fprintf(w, "  band %d nodata %g (default)\n", band.ID, info.TargetCellType.DefaultNoData())
		}
	}
}
