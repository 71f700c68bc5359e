package donuts

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v2"
)

/* Example config file ...

image_ext: 0
exposure_key: EXPTIME
normalise: true
subtract_sky: true
prescan_width: 20
overscan_width: 20
border: 64
ntiles: 32

*/

// Config holds the frame-preparation parameters. The same config is
// applied to the reference frame and to every check frame, which is
// what guarantees their projections line up sample for sample.
type Config struct {
	ImageExt      int    `yaml:"image_ext"`      // FITS HDU to read
	ExposureKey   string `yaml:"exposure_key"`   // header card holding exposure seconds
	Normalise     bool   `yaml:"normalise"`      // scale counts to counts/s
	SubtractSky   bool   `yaml:"subtract_sky"`   // remove the tile-median background map
	PrescanWidth  int    `yaml:"prescan_width"`  // unilluminated columns on the left
	OverscanWidth int    `yaml:"overscan_width"` // unilluminated columns on the right
	Border        int    `yaml:"border"`         // pixels skipped per edge, avoids vignetting
	NTiles        int    `yaml:"ntiles"`         // background tile grid, NTiles x NTiles
}

func NewConfig() Config {
	return Config{
		ImageExt:    0,
		ExposureKey: "EXPTIME",
		Normalise:   true,
		SubtractSky: true,
		Border:      64,
		NTiles:      32,
	}
}

// LoadConfig reads a yaml config file. Absent keys keep their
// defaults, so a file only needs the values being overridden.
func LoadConfig(filename string) (Config, error) {
	c := NewConfig()

	contents, err := os.ReadFile(filename)
	if err != nil {
		return c, fmt.Errorf("read %s: %v", filename, err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("parse %s: %v", filename, err)
	}

	return c, c.check()
}

func (c Config)AsYaml() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		log.Fatalf("Can't marshal config yaml: %v\n", err)
	}
	return string(b)
}

// check catches parameter problems that don't need frame geometry.
// Geometry-dependent checks (border vs frame size, tile count vs
// working area) happen at engine construction.
func (c Config)check() error {
	switch {
	case c.ImageExt < 0:
		return fmt.Errorf("%w: image_ext %d", ErrInvalidConfiguration, c.ImageExt)
	case c.PrescanWidth < 0 || c.OverscanWidth < 0:
		return fmt.Errorf("%w: prescan/overscan widths %d/%d", ErrInvalidConfiguration, c.PrescanWidth, c.OverscanWidth)
	case c.Border < 0:
		return fmt.Errorf("%w: border %d", ErrInvalidConfiguration, c.Border)
	case c.NTiles <= 0:
		return fmt.Errorf("%w: ntiles %d", ErrInvalidConfiguration, c.NTiles)
	case c.ExposureKey == "":
		return fmt.Errorf("%w: empty exposure_key", ErrInvalidConfiguration)
	}
	return nil
}
