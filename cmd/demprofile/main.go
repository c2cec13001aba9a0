package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/twpayne/go-demprofile"
	"github.com/twpayne/go-demprofile/gdalraster"
)

func run() error {
	demPath := flag.String("dem-path", os.Getenv("DEMPROFILE_DEM_PATH"), "directory or URL containing DEMs")
	crs := flag.String("crs", demprofile.DefaultCRS, "CRS of the input points")
	numSamples := flag.Int("n", 100, "number of samples")
	workers := flag.Int("workers", 1, "number of concurrent pixel reads")
	csvFilename := flag.String("csv", "", "write profile as CSV to file")
	noDataAsNaN := flag.Bool("nodata-as-nan", false, "report no data values as NaN")
	useGDAL := flag.Bool("gdal", false, "open DEMs with GDAL")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if flag.NArg() != 5 {
		return errors.New("syntax: demprofile [flags] dem x1 y1 x2 y2")
	}
	var coords [4]float64
	for i := range coords {
		var err error
		coords[i], err = strconv.ParseFloat(flag.Arg(i+1), 64)
		if err != nil {
			return err
		}
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	if *demPath == "" {
		*demPath = "."
	}
	var fsys fs.FS
	if strings.Contains(*demPath, "://") {
		afsFS, err := demprofile.NewAFSFS(*demPath)
		if err != nil {
			return err
		}
		fsys = afsFS
	} else {
		fsys = os.DirFS(*demPath)
	}
	catalogOptions := []demprofile.CatalogOption{
		demprofile.WithMissingDEMTTL(0),
	}
	if *useGDAL {
		if strings.Contains(*demPath, "://") {
			return errors.New("-gdal requires a local -dem-path")
		}
		catalogOptions = append(catalogOptions, demprofile.WithRasterOpener(&gdalraster.Opener{Dir: *demPath}))
	}
	catalog := demprofile.NewCatalog(fsys, catalogOptions...)

	sampler := demprofile.NewSampler(
		demprofile.WithWorkers(*workers),
		demprofile.WithNoDataAsNaN(*noDataAsNaN),
		demprofile.WithLogger(logger),
	)
	profileService, err := demprofile.NewProfileService(catalog, sampler,
		demprofile.WithProfileCacheSize(0),
		demprofile.WithServiceLogger(logger),
	)
	if err != nil {
		return err
	}

	profile, err := profileService.Profile(context.Background(), demprofile.ProfileRequest{
		DEMName:    flag.Arg(0),
		Start:      demprofile.Point{X: coords[0], Y: coords[1]},
		End:        demprofile.Point{X: coords[2], Y: coords[3]},
		NumSamples: *numSamples,
		CRS:        *crs,
	})
	if err != nil {
		return err
	}

	for _, sample := range profile {
		fmt.Printf("%g\t%g\n", sample.Distance, sample.Elevation)
	}
	if stats, ok := profile.Stats(); ok {
		logger.Info("profile",
			"total_distance", stats.TotalDistance,
			"min_elevation", stats.MinElevation,
			"max_elevation", stats.MaxElevation,
			"ascent", stats.Ascent,
			"descent", stats.Descent,
		)
	}

	if *csvFilename != "" {
		file, err := os.Create(*csvFilename)
		if err != nil {
			return err
		}
		if err := demprofile.WriteCSV(file, profile); err != nil {
			_ = file.Close()
			return err
		}
		return file.Close()
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
