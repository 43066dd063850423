package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var (
	mapsZoom     int
	mapsAt       string
	mapsAccuracy float64
	mapsQRSize   int
	mapsQROut    string
)

func init() {
	mapsPrecacheCmd.Flags().IntVar(&mapsZoom, "zoom", 13, "Zoom level to copy from the archive")

	mapsLocateCmd.Flags().StringVar(&mapsAt, "at", "", "Coordinates as lat,lng")
	mapsLocateCmd.Flags().Float64Var(&mapsAccuracy, "accuracy", 25, "Accuracy radius in metres")
	_ = mapsLocateCmd.MarkFlagRequired("at")

	mapsQRCmd.Flags().StringVar(&mapsAt, "at", "", "Coordinates as lat,lng")
	mapsQRCmd.Flags().IntVar(&mapsQRSize, "size", 256, "Image size in pixels")
	mapsQRCmd.Flags().StringVarP(&mapsQROut, "output", "o", "location.png", "Where to write the PNG")

	mapsCmd.AddCommand(mapsStatusCmd, mapsPrecacheCmd, mapsClearCmd, mapsLocateCmd, mapsQRCmd)
	rootCmd.AddCommand(mapsCmd)
}

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "Offline map tiles and location sharing",
}

func openMaps(s *session) (*sentry.OfflineMaps, error) {
	maps, err := sentry.NewOfflineMaps(s.storage, s.network, s.logger, &sentry.MapsOptions{
		Archive:       s.cfg.Maps.Archive,
		ArchiveFormat: s.cfg.Maps.Format,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open offline maps: %w", err)
	}
	return maps, nil
}

var mapsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the offline tile cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			s.probe(ctx)
			maps, err := openMaps(s)
			if err != nil {
				return err
			}
			status := maps.Status(ctx)
			if jsonOutput {
				return printJSON(status)
			}
			fmt.Printf("Online:       %t\n", status.Online)
			fmt.Printf("City:         %s\n", valueOrDefault(status.CurrentCity, "(none)"))
			fmt.Printf("Cached tiles: %d / %d\n", status.CachedTiles, status.MaxCache)
			fmt.Printf("Tiles from:   %s\n", valueOrDefault(status.Provider.URLTemplate, "offline placeholder"))
			return nil
		})
	},
}

var mapsPrecacheCmd = &cobra.Command{
	Use:   "precache <city>",
	Short: "Prepare a city for offline use",
	Long:  "Prepare a city (bengaluru, delhi, mumbai, hyderabad) for offline use, copying tiles\nfrom the configured PMTiles archive when there is one.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			maps, err := openMaps(s)
			if err != nil {
				return err
			}
			ok, err := maps.PreCacheRegion(ctx, args[0], mapsZoom)
			if err != nil {
				return fmt.Errorf("precache failed: %w", err)
			}
			if !ok {
				return fmt.Errorf("unknown city %q", args[0])
			}
			s.cfg.Maps.City = args[0]
			if err := saveConfig(s.cfg); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}
			status := maps.Status(ctx)
			fmt.Printf("%s is available offline (%d tiles cached)\n", args[0], status.CachedTiles)
			return nil
		})
	},
}

var mapsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached tile",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			maps, err := openMaps(s)
			if err != nil {
				return err
			}
			if err := maps.ClearCache(ctx); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Println("Tile cache cleared.")
			return nil
		})
	},
}

var mapsLocateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Print a position in several formats and as GeoJSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, lng, err := parseLatLng(mapsAt)
		if err != nil {
			return err
		}
		formats := sentry.FormatCoordinates(lat, lng)
		geo, err := sentry.LocationGeoJSON(lat, lng, mapsAccuracy)
		if err != nil {
			return fmt.Errorf("failed to build GeoJSON: %w", err)
		}
		if jsonOutput {
			fmt.Println(string(geo))
			return nil
		}
		tile := sentry.TileAt(lat, lng, 15)
		fmt.Printf("Decimal: %s\n", formats.Decimal)
		fmt.Printf("DMS:     %s\n", formats.DMS)
		fmt.Printf("Short:   %s\n", formats.Short)
		fmt.Printf("Tile:    %d/%d/%d\n", tile.Z, tile.X, tile.Y)
		fmt.Printf("GeoJSON: %s\n", geo)
		return nil
	},
}

var mapsQRCmd = &cobra.Command{
	Use:   "qr [address]",
	Short: "Write a QR code of your location for offline sharing",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var loc sentry.Location
		switch {
		case mapsAt != "":
			lat, lng, err := parseLatLng(mapsAt)
			if err != nil {
				return err
			}
			loc = sentry.Location{Latitude: &lat, Longitude: &lng}
		case len(args) == 1:
			loc = sentry.NormalizeLocationValue(args[0])
		default:
			return fmt.Errorf("give an address or --at lat,lng")
		}

		png, err := sentry.LocationQRCode(loc, mapsQRSize)
		if err != nil {
			return fmt.Errorf("failed to render QR code: %w", err)
		}
		if err := os.WriteFile(mapsQROut, png, 0o644); err != nil {
			return fmt.Errorf("cannot write %s: %w", mapsQROut, err)
		}
		fmt.Printf("Wrote %s\n", mapsQROut)
		return nil
	},
}
