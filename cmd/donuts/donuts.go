package main

import (
	"flag"
	"log"
	"time"

	"github.com/codahale/hdrhistogram"

	"donuts/pkg/donuts"
)

var (
	fRef       string
	fConfig    string
	fVerbosity int
)

func init() {
	flag.StringVar(&fRef, "ref", "", "FITS frame to use as the reference")
	flag.StringVar(&fConfig, "config", "", "optional yaml config file")
	flag.IntVar(&fVerbosity, "v", 0, "how verbose to get")
	flag.Parse()
}

func main() {
	if fRef == "" || flag.NArg() == 0 {
		log.Fatal("usage: donuts -ref ref.fits [-config donuts.yaml] check1.fits [check2.fits ...]")
	}

	cfg := donuts.NewConfig()
	if fConfig != "" {
		var err error
		if cfg, err = donuts.LoadConfig(fConfig); err != nil {
			log.Fatal(err)
		}
		log.Printf("Loaded configuration from %s\n", fConfig)
	}
	if fVerbosity > 0 {
		log.Printf("Effective configuration:-\n\n%s\n", cfg.AsYaml())
	}

	engine, err := donuts.NewFromFile(fRef, cfg)
	if err != nil {
		log.Fatal(err)
	}
	engine.PrintSummary()

	if fVerbosity > 1 && cfg.SubtractSky {
		if err := engine.RenderBackground(fRef, "sky-background.png"); err != nil {
			log.Printf("render background map: %v\n", err)
		} else {
			log.Printf("Wrote sky-background.png\n")
		}
	}

	// per-frame measurement latency, in microseconds
	hist := hdrhistogram.New(1, int64(10*time.Minute/time.Microsecond), 3)

	for _, path := range flag.Args() {
		start := time.Now()
		shift, err := engine.MeasureShift(path)
		if err != nil {
			log.Printf("%s: %v\n", path, err)
			continue
		}
		hist.RecordValue(time.Since(start).Microseconds())
		log.Printf("%-40s dx=%+8.3f dy=%+8.3f\n", path, shift.X, shift.Y)
	}

	if fVerbosity > 0 && hist.TotalCount() > 0 {
		log.Printf("Measured %d frames: p50=%dus p90=%dus p99=%dus max=%dus\n",
			hist.TotalCount(),
			hist.ValueAtQuantile(50), hist.ValueAtQuantile(90),
			hist.ValueAtQuantile(99), hist.Max())
	}
}
