package oak

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rdk/logging"
)

// Modality identifies one kind of data the camera can produce.
type Modality string

// The modalities an OAK-D pipeline can be configured to output.
const (
	ModalityColor      Modality = "color"
	ModalityDepth      Modality = "depth"
	ModalityPointCloud Modality = "pointcloud"
)

// RawFrame is a single untransformed output pulled from a deployed pipeline.
// Exactly one of the payload fields is populated, matching Modality.
type RawFrame struct {
	Modality Modality
	Width    int
	Height   int

	// BGR holds 24-bit interleaved BGR pixels, row-major. The device outputs
	// OpenCV channel order; the worker converts to RGB before publishing.
	BGR []byte
	// Depth holds row-major depth values in millimeters.
	Depth []uint16
	// Points holds a row-major Height x Width grid of 3D points.
	Points []r3.Vector
}

// PipelineSpec declares which stages a pipeline deployment should include and
// how its sensors are configured.
type PipelineSpec struct {
	Width     int
	Height    int
	FrameRate float32

	EnableColor      bool
	EnableDepth      bool
	EnablePointCloud bool

	// AlignDepthToColor requests that depth output be aligned and sized to
	// the color stream when both are enabled.
	AlignDepthToColor bool
}

// Pipeline is a deployed pipeline running on the device. Implementations that
// push frames through callbacks internally must buffer them so TryNext can
// drain the queue without blocking.
type Pipeline interface {
	// TryNext returns the next available output for the modality without
	// blocking. The second return is false when no frame is ready yet.
	TryNext(ctx context.Context, modality Modality) (*RawFrame, bool, error)

	// Close releases the pipeline's device resources. The device permits only
	// one live pipeline, so Close must be called before the next deploy.
	Close(ctx context.Context) error
}

// Device is the boundary to the vendor SDK. A Device deploys at most one
// Pipeline at a time.
type Device interface {
	DeployPipeline(ctx context.Context, spec PipelineSpec) (Pipeline, error)
}

// DeviceProvider opens a connection to an OAK-D device.
type DeviceProvider func(ctx context.Context, logger logging.Logger) (Device, error)

var (
	deviceProvidersMu sync.Mutex
	deviceProviders   = map[string]DeviceProvider{}
)

// RegisterDeviceProvider makes a device transport available to the oak-d
// model under the given name. It panics if the name is already taken.
func RegisterDeviceProvider(name string, provider DeviceProvider) {
	deviceProvidersMu.Lock()
	defer deviceProvidersMu.Unlock()
	if _, ok := deviceProviders[name]; ok {
		panic(errors.Errorf("device provider already registered under %q", name))
	}
	deviceProviders[name] = provider
}

func lookupDeviceProvider(name string) (DeviceProvider, error) {
	deviceProvidersMu.Lock()
	defer deviceProvidersMu.Unlock()
	provider, ok := deviceProviders[name]
	if !ok {
		return nil, errors.Errorf("no OAK-D device provider registered under %q", name)
	}
	return provider, nil
}
