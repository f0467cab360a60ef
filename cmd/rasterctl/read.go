package main

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/image/tiff"

	"github.com/akhenakh/tiledraster/raster"
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Assemble a rectangle of tiles into an image",
	Long: `read promotes and assembles a rectangle of tiles, in tile grid
coordinates with exclusive maxima, and writes one band as a grayscale PNG
or TIFF. Pixels without data take the band's no-data value.`,
	RunE: runRead,
}

func init() {
	rootCmd.AddCommand(readCmd)

	readCmd.Flags().Int("minx", 0, "first tile column")
	readCmd.Flags().Int("miny", 0, "first tile row")
	readCmd.Flags().Int("maxx", -1, "tile column after the last (default: grid width)")
	readCmd.Flags().Int("maxy", -1, "tile row after the last (default: grid height)")
	readCmd.Flags().Int("band", 0, "band id (default: first band)")
	readCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")
	readCmd.Flags().StringP("format", "f", "png", "output format (png|tiff)")

	for _, name := range []string{"minx", "miny", "maxx", "maxy", "band", "output", "format"} {
		viper.BindPFlag("read."+name, readCmd.Flags().Lookup(name))
	}
}

func runRead(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	format := viper.GetString("read.format")
	if format != "png" && format != "tiff" {
		return fmt.Errorf("unknown format: %s", format)
	}

	b, err := openBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	reader := raster.NewTiledReader(b, b, raster.WithLogger(logger))
	defer reader.Stop()

	rasterID, level := viper.GetString("raster"), viper.GetInt("level")
	info, err := reader.DatasetInfo(ctx, rasterID, level)
	if err != nil {
		return err
	}

	rect := image.Rect(viper.GetInt("read.minx"), viper.GetInt("read.miny"), viper.GetInt("read.maxx"), viper.GetInt("read.maxy"))
	if rect.Max.X < 0 {
		rect.Max.X = info.TilesAcross
	}
	if rect.Max.Y < 0 {
		rect.Max.Y = info.TilesDown
	}
	rect = rect.Canon()

	band := 0
	if id := viper.GetInt("read.band"); id != 0 {
		if band = info.BandIndex(id); band < 0 {
			return fmt.Errorf("%w: band %d", raster.ErrNotFound, id)
		}
	}

	surface, err := reader.Read(ctx, rasterID, level, rect)
	if err != nil {
		return err
	}
	img, err := surface.Image(band)
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if path := viper.GetString("read.output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	switch format {
	case "tiff":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		err = png.Encode(w, img)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	logger.Info("raster written", "raster", rasterID, "level", level, "rect", rect,
		"width", surface.Width(), "height", surface.Height())
	return nil
}
