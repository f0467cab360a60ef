package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akhenakh/tiledraster/raster"
	"github.com/akhenakh/tiledraster/store/sqlitestore"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Copy the tiles of a GeoTIFF into a SQLite tile store",
	Long: `import copies native tiles from a GeoTIFF into a SQLite tile store,
one transaction per level. Absent tiles are not written; readers see them
as tiles without data. Multi-byte samples are stored big endian.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Bool("all-levels", false, "import every level instead of --level")
	importCmd.Flags().String("target", "", "target cell type recorded for readers (default: promotion of the native type)")

	viper.BindPFlag("import.all-levels", importCmd.Flags().Lookup("all-levels"))
	viper.BindPFlag("import.target", importCmd.Flags().Lookup("target"))
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger()

	location, path := viper.GetString("cog"), viper.GetString("sqlite")
	if location == "" || path == "" {
		return errors.New("import requires both --cog and --sqlite")
	}

	var target raster.CellType
	if label := viper.GetString("import.target"); label != "" {
		var err error
		if target, err = raster.ParseCellType(label); err != nil {
			return err
		}
	}

	src, err := openCOG(ctx, location, logger)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := sqlitestore.Open(path, sqlitestore.WithLogger(logger))
	if err != nil {
		return err
	}
	defer dst.Close()

	levels := []int{viper.GetInt("level")}
	if viper.GetBool("import.all-levels") {
		levels = levels[:0]
		for l := range src.Levels() {
			levels = append(levels, l)
		}
	}

	rasterID := viper.GetString("raster")
	for _, level := range levels {
		info, err := src.DatasetInfo(ctx, rasterID, level)
		if err != nil {
			return err
		}
		if target != raster.CellTypeUnknown {
			info.TargetCellType = target
		}
		n, err := importLevel(cmd, src, dst, info)
		if err != nil {
			return fmt.Errorf("import level %d: %w", level, err)
		}
		logger.Info("level imported", "raster", rasterID, "level", level, "tiles", n)
	}
	return nil
}

// importLevel streams every band tile of a level into dst and returns the
// number of tiles written.
func importLevel(cmd *cobra.Command, src raster.Store, dst *sqlitestore.Store, info *raster.DatasetInfo) (int, error) {
	ctx := cmd.Context()
	order := info.ByteOrder
	stored := *info
	stored.ByteOrder = nil
	if err := dst.CreateRaster(ctx, &stored); err != nil {
		return 0, err
	}

	session, err := src.OpenSession(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	q, err := session.Query(ctx, raster.TileQuery{
		RasterID: info.RasterID,
		Level:    info.Level,
		Bands:    info.BandIDs(),
		Rect:     info.Grid(),
	})
	if err != nil {
		return 0, err
	}
	defer q.Close()

	w, err := dst.NewTileWriter(ctx, info.RasterID, info.Level)
	if err != nil {
		return 0, err
	}

	bar := progressbar.NewOptions(info.TilesAcross*info.TilesDown*len(info.Bands),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetDescription(fmt.Sprintf("level %d", info.Level)),
		progressbar.OptionShowCount(),
	)
	for {
		row, err := q.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, errors.Join(err, w.Rollback())
		}
		bar.Add(1)
		if row.NumPixelsRead == 0 {
			continue
		}
		tile := *row
		tile.Pixels = toBigEndian(row.Pixels, info.NativeCellType, order)
		if err := w.WriteTile(ctx, &tile); err != nil {
			return 0, errors.Join(err, w.Rollback())
		}
	}
	bar.Finish()
	fmt.Fprintln(cmd.ErrOrStderr())

	if err := w.Commit(); err != nil {
		return 0, err
	}
	return w.Written(), nil
}

// toBigEndian returns pixels with multi-byte samples in big endian order.
// The input is never modified.
func toBigEndian(pixels []byte, ct raster.CellType, order binary.ByteOrder) []byte {
	size := ct.BitsPerSample() / 8
	if size < 2 || order == nil || order == binary.BigEndian {
		return pixels
	}
	out := make([]byte, len(pixels))
	for i := 0; i+size <= len(pixels); i += size {
		for j := 0; j < size; j++ {
			out[i+j] = pixels[i+size-1-j]
		}
	}
	return out
}
