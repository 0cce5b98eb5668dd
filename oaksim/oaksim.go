// Package oaksim implements a simulated OAK-D device behind the oak device
// boundary. It registers the oak-d-sim camera model, which produces
// deterministic synthetic color, depth, and point cloud frames, and can be
// scripted to fail so that pipeline recovery is exercisable without hardware.
package oaksim

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"

	"github.com/viam-modules/oak-d/oak"
)

// Model is the simulated OAK-D camera model.
var Model = resource.NewModel("viam", "camera", "oak-d-sim")

func init() {
	resource.RegisterComponent(
		camera.API,
		Model,
		resource.Registration[camera.Camera, *oak.Config]{
			Constructor: func(
				ctx context.Context,
				_ resource.Dependencies,
				conf resource.Config,
				logger logging.Logger,
			) (camera.Camera, error) {
				return NewCamera(ctx, conf, logger)
			},
		})
	oak.RegisterDeviceProvider("sim", func(ctx context.Context, logger logging.Logger) (oak.Device, error) {
		return NewDevice(), nil
	})
}

// NewCamera returns an oak-d camera resource backed by a fresh simulated
// device.
func NewCamera(ctx context.Context, conf resource.Config, logger logging.Logger) (camera.Camera, error) {
	newConf, err := resource.NativeConfig[*oak.Config](conf)
	if err != nil {
		return nil, err
	}
	if _, _, err := newConf.Validate(""); err != nil {
		return nil, err
	}
	return oak.NewCamera(conf.ResourceName(), NewDevice(), newConf, logger)
}

// Device simulates the OAK-D: it deploys at most one pipeline at a time and
// synthesizes a new frame per enabled modality on every read.
type Device struct {
	mu sync.Mutex

	failBuilds int
	failReads  int

	live         *pipeline
	deployCount  int
	closeCount   int
	lastSpec     oak.PipelineSpec
	haveLastSpec bool
}

// NewDevice returns an idle simulated device.
func NewDevice() *Device {
	return &Device{}
}

// FailNextBuilds makes the next n DeployPipeline calls fail.
func (d *Device) FailNextBuilds(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failBuilds = n
}

// FailNextReads makes the next n TryNext calls on the live pipeline fail.
func (d *Device) FailNextReads(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failReads = n
}

// DeployCount returns how many pipelines have been successfully deployed.
func (d *Device) DeployCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deployCount
}

// CloseCount returns how many deployed pipelines have been released.
func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// LastSpec returns the spec of the most recently deployed pipeline.
func (d *Device) LastSpec() (oak.PipelineSpec, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSpec, d.haveLastSpec
}

// DeployPipeline implements oak.Device.
func (d *Device) DeployPipeline(ctx context.Context, spec oak.PipelineSpec) (oak.Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failBuilds > 0 {
		d.failBuilds--
		return nil, errors.New("simulated pipeline deploy failure")
	}
	if d.live != nil {
		return nil, errors.New("device already has a live pipeline")
	}
	p := &pipeline{device: d, spec: spec}
	d.live = p
	d.deployCount++
	d.lastSpec = spec
	d.haveLastSpec = true
	return p, nil
}

type pipeline struct {
	device *Device
	spec   oak.PipelineSpec

	mu     sync.Mutex
	seq    int
	closed bool
}

func (p *pipeline) TryNext(ctx context.Context, modality oak.Modality) (*oak.RawFrame, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errors.New("pipeline is closed")
	}

	p.device.mu.Lock()
	if p.device.failReads > 0 {
		p.device.failReads--
		p.device.mu.Unlock()
		return nil, false, errors.New("simulated transport failure")
	}
	p.device.mu.Unlock()

	switch modality {
	case oak.ModalityColor:
		if !p.spec.EnableColor {
			return nil, false, nil
		}
		p.seq++
		return colorFrame(p.spec.Width, p.spec.Height, p.seq), true, nil
	case oak.ModalityDepth:
		if !p.spec.EnableDepth {
			return nil, false, nil
		}
		p.seq++
		return depthFrame(p.spec.Width, p.spec.Height, p.seq), true, nil
	case oak.ModalityPointCloud:
		if !p.spec.EnablePointCloud {
			return nil, false, nil
		}
		p.seq++
		return pointCloudFrame(p.spec.Width, p.spec.Height, p.seq), true, nil
	default:
		return nil, false, errors.Errorf("unknown modality %q", modality)
	}
}

func (p *pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	p.device.mu.Lock()
	defer p.device.mu.Unlock()
	if p.device.live == p {
		p.device.live = nil
	}
	p.device.closeCount++
	return nil
}

// colorFrame renders a BGR gradient that shifts with the sequence number.
func colorFrame(width, height, seq int) *oak.RawFrame {
	bgr := make([]byte, width*height*3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 3
			bgr[i] = byte(x + seq)
			bgr[i+1] = byte(y + seq)
			bgr[i+2] = byte(x + y)
		}
	}
	return &oak.RawFrame{
		Modality: oak.ModalityColor,
		Width:    width,
		Height:   height,
		BGR:      bgr,
	}
}

// depthFrame renders a millimeter ramp increasing left to right.
func depthFrame(width, height, seq int) *oak.RawFrame {
	depth := make([]uint16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			depth[y*width+x] = uint16(400 + x + seq)
		}
	}
	return &oak.RawFrame{
		Modality: oak.ModalityDepth,
		Width:    width,
		Height:   height,
		Depth:    depth,
	}
}

// pointCloudFrame projects the depth ramp into a flat metric grid.
func pointCloudFrame(width, height, seq int) *oak.RawFrame {
	points := make([]r3.Vector, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			points = append(points, r3.Vector{
				X: float64(x),
				Y: float64(y),
				Z: float64(400 + x + seq),
			})
		}
	}
	return &oak.RawFrame{
		Modality: oak.ModalityPointCloud,
		Width:    width,
		Height:   height,
		Points:   points,
	}
}
