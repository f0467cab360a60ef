package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akhenakh/tiledraster/raster"
	"github.com/akhenakh/tiledraster/store/cogstore"
	"github.com/akhenakh/tiledraster/store/sqlitestore"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "rasterctl",
	Short: "Inspect, read and import tiled rasters",
	Long: `rasterctl works on tiled rasters kept in a SQLite tile store or in a
Cloud Optimized GeoTIFF.

Examples:
  # Describe every level of a raster
  rasterctl info --sqlite rasters.db --raster dem

  # Find the pixel under a coordinate in a remote COG
  rasterctl info --cog https://example.com/dem.tif --lon 2.35 --lat 48.85

  # Render tiles 0..4 x 0..2 of band 1 as a PNG
  rasterctl read --sqlite rasters.db --raster dem --maxx 4 --maxy 2 -o dem.png

  # Copy every level of a COG into a SQLite store
  rasterctl import --cog file:///data/dem.tif --sqlite rasters.db --raster dem`,
	SilenceUsage: true,
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rasterctl.yaml)")
	rootCmd.PersistentFlags().String("sqlite", "", "SQLite tile store path")
	rootCmd.PersistentFlags().String("cog", "", "GeoTIFF location: a path, an http(s) URL or a bucket URL")
	rootCmd.PersistentFlags().String("raster", "dem", "raster id")
	rootCmd.PersistentFlags().Int("level", 0, "pyramid level")
	rootCmd.PersistentFlags().String("log-level", "WARN", "log level (DEBUG|INFO|WARN|ERROR)")

	viper.BindPFlag("sqlite", rootCmd.PersistentFlags().Lookup("sqlite"))
	viper.BindPFlag("cog", rootCmd.PersistentFlags().Lookup("cog"))
	viper.BindPFlag("raster", rootCmd.PersistentFlags().Lookup("raster"))
	viper.BindPFlag("level", rootCmd.PersistentFlags().Lookup("level"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".rasterctl")
	}

	viper.SetEnvPrefix("RASTERCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// backend is an open raster store.
type backend interface {
	raster.Catalog
	raster.Store
	Close() error
}

// cogBackend closes the GeoTIFF source along with the store.
type cogBackend struct {
	*cogstore.COG
	src cogstore.Source
}

func (b *cogBackend) Close() error {
	return errors.Join(b.COG.Close(), b.src.Close())
}

func openCOG(ctx context.Context, location string, logger *slog.Logger) (*cogBackend, error) {
	src, err := cogstore.OpenSource(ctx, location)
	if err != nil {
		return nil, err
	}
	c, err := cogstore.Open(src, viper.GetString("raster"), cogstore.WithLogger(logger))
	if err != nil {
		src.Close()
		return nil, err
	}
	return &cogBackend{COG: c, src: src}, nil
}

// openBackend opens the store named by --cog or --sqlite, preferring the
// GeoTIFF when both are set.
func openBackend(ctx context.Context, logger *slog.Logger) (backend, error) {
	if location := viper.GetString("cog"); location != "" {
		c, err := openCOG(ctx, location, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	if path := viper.GetString("sqlite"); path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
		s, err := sqlitestore.Open(path, sqlitestore.WithLogger(logger), sqlitestore.WithReadOnly())
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.New("one of --cog or --sqlite is required")
}
