package oak

import (
	"github.com/pkg/errors"

	"go.viam.com/rdk/resource"
)

// Defaults applied when the config omits sensor dimensions; the OAK-D color
// sensor natively captures 1080p.
const (
	defaultWidth     = 1920
	defaultHeight    = 1080
	defaultFrameRate = 30
)

// Config is the native attribute struct for the oak-d camera models.
type Config struct {
	Width     int     `json:"width_px,omitempty"`
	Height    int     `json:"height_px,omitempty"`
	FrameRate float32 `json:"frame_rate,omitempty"`

	EnableColor bool `json:"enable_color"`
	EnableDepth bool `json:"enable_depth"`

	// Device selects a registered device provider. Only the oak-d model uses
	// it; the oak-d-sim model always talks to the simulated device.
	Device string `json:"device,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) ([]string, []string, error) {
	if c.Width < 0 || c.Height < 0 {
		return nil, nil, resource.NewConfigValidationError(path, errors.Errorf(
			"got illegal negative dimensions for width_px and height_px (%d, %d)", c.Width, c.Height))
	}
	if c.FrameRate < 0 {
		return nil, nil, resource.NewConfigValidationError(path, errors.Errorf(
			"got illegal negative frame_rate (%.2f)", c.FrameRate))
	}
	if !c.EnableColor && !c.EnableDepth {
		return nil, nil, resource.NewConfigValidationError(path,
			errors.New("at least one of enable_color and enable_depth must be set"))
	}
	return nil, nil, nil
}

// workerConfig translates the attributes into acquisition settings, filling
// in defaults for anything unset.
func (c *Config) workerConfig() WorkerConfig {
	out := WorkerConfig{
		Width:       c.Width,
		Height:      c.Height,
		FrameRate:   c.FrameRate,
		EnableColor: c.EnableColor,
		EnableDepth: c.EnableDepth,
	}
	if out.Width == 0 {
		out.Width = defaultWidth
	}
	if out.Height == 0 {
		out.Height = defaultHeight
	}
	if out.FrameRate == 0 {
		out.FrameRate = defaultFrameRate
	}
	return out
}
