package oak

import (
	"context"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/trace"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/data"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/utils"
)

// Model is the OAK-D camera model. Its device transport comes from a
// registered DeviceProvider selected by the config's device attribute.
var Model = resource.NewModel("viam", "camera", "oak-d")

// Source names used in Images responses.
const (
	colorSourceName = "color"
	depthSourceName = "depth"
)

func init() {
	resource.RegisterComponent(
		camera.API,
		Model,
		resource.Registration[camera.Camera, *Config]{
			Constructor: newOakD,
		})
}

func newOakD(
	ctx context.Context,
	_ resource.Dependencies,
	conf resource.Config,
	logger logging.Logger,
) (camera.Camera, error) {
	newConf, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, err
	}
	providerName := newConf.Device
	if providerName == "" {
		providerName = "usb"
	}
	provider, err := lookupDeviceProvider(providerName)
	if err != nil {
		return nil, err
	}
	device, err := provider(ctx, logger)
	if err != nil {
		return nil, errors.Wrapf(err, "opening OAK-D device via %q", providerName)
	}
	return NewCamera(conf.ResourceName(), device, newConf, logger)
}

// oakD wraps the acquisition worker into a camera resource. It owns the
// current-worker slot: when a worker escalates past the failure ceiling, its
// manager calls back into rebuildWorker, which swaps a fresh worker in and
// lets the old one wind down.
type oakD struct {
	resource.Named
	resource.AlwaysRebuild

	logger     logging.Logger
	device     Device
	workerConf WorkerConfig

	mu     sync.RWMutex
	worker *Worker
	closed bool
}

// NewCamera wires an OAK-D camera resource around the supplied device. The
// worker starts capturing immediately.
func NewCamera(name resource.Name, device Device, conf *Config, logger logging.Logger) (camera.Camera, error) {
	o := &oakD{
		Named:      name.AsNamed(),
		logger:     logger.WithFields("camera_name", name.ShortName()),
		device:     device,
		workerConf: conf.workerConfig(),
	}
	o.worker = NewWorker(device, o.workerConf, o.rebuildWorker, o.logger)
	return o, nil
}

// rebuildWorker replaces the current worker with a freshly constructed one.
// The old worker's goroutines exit on their own; its frame slots are
// abandoned with it, so the new worker starts with empty state.
func (o *oakD) rebuildWorker() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.logger.Info("replacing camera worker after repeated pipeline failures")
	old := o.worker
	o.worker = NewWorker(o.device, o.workerConf, o.rebuildWorker, o.logger)
	// Close waits on the manager goroutine invoking this callback, so it
	// cannot run inline here.
	goutils.PanicCapturingGo(old.Close)
}

func (o *oakD) currentWorker() *Worker {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.worker
}

func sourceRequested(filterSourceNames []string, name string) bool {
	return len(filterSourceNames) == 0 || slices.Contains(filterSourceNames, name)
}

func (o *oakD) Images(
	ctx context.Context,
	filterSourceNames []string,
	extra map[string]interface{},
) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	ctx, span := trace.StartSpan(ctx, "camera::oakd::Images")
	defer span.End()

	worker := o.currentWorker()
	var images []camera.NamedImage
	var capturedAt time.Time

	if o.workerConf.EnableColor && sourceRequested(filterSourceNames, colorSourceName) {
		frame, err := worker.GetColorImage(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, errors.Wrap(err, "could not get color image")
		}
		named, err := camera.NamedImageFromImage(frame.Image, colorSourceName, utils.MimeTypeJPEG, data.Annotations{})
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		images = append(images, named)
		capturedAt = frame.CapturedAt
	}

	if o.workerConf.EnableDepth && sourceRequested(filterSourceNames, depthSourceName) {
		frame, err := worker.GetDepthMap(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, errors.Wrap(err, "could not get depth map")
		}
		named, err := camera.NamedImageFromImage(frame.Map, depthSourceName, utils.MimeTypeRawDepth, data.Annotations{})
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		images = append(images, named)
		if frame.CapturedAt.After(capturedAt) {
			capturedAt = frame.CapturedAt
		}
	}

	if len(images) == 0 {
		return nil, resource.ResponseMetadata{}, errors.New("no enabled image source matched the request")
	}
	return images, resource.ResponseMetadata{CapturedAt: capturedAt}, nil
}

func (o *oakD) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	ctx, span := trace.StartSpan(ctx, "camera::oakd::Image")
	defer span.End()

	worker := o.currentWorker()
	var img image.Image
	if o.workerConf.EnableColor {
		frame, err := worker.GetColorImage(ctx)
		if err != nil {
			return nil, camera.ImageMetadata{}, errors.Wrap(err, "could not get color image")
		}
		img = frame.Image
		if mimeType == "" {
			mimeType = utils.MimeTypeJPEG
		}
	} else {
		frame, err := worker.GetDepthMap(ctx)
		if err != nil {
			return nil, camera.ImageMetadata{}, errors.Wrap(err, "could not get depth map")
		}
		img = frame.Map
		if mimeType == "" {
			mimeType = utils.MimeTypeRawDepth
		}
	}
	imgBytes, err := rimage.EncodeImage(ctx, img, mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return imgBytes, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (o *oakD) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	ctx, span := trace.StartSpan(ctx, "camera::oakd::NextPointCloud")
	defer span.End()

	frame, err := o.currentWorker().GetPointCloud(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not get point cloud")
	}
	pc := pointcloud.NewBasicEmpty()
	for _, point := range frame.Points {
		if err := pc.Set(point, nil); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func (o *oakD) Properties(ctx context.Context) (camera.Properties, error) {
	imageType := camera.ColorStream
	if !o.workerConf.EnableColor {
		imageType = camera.DepthStream
	}
	return camera.Properties{
		SupportsPCD: true,
		ImageType:   imageType,
		FrameRate:   o.workerConf.FrameRate,
		MimeTypes:   []string{utils.MimeTypeJPEG, utils.MimeTypePNG, utils.MimeTypeRawRGBA, utils.MimeTypeRawDepth},
	}, nil
}

func (o *oakD) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

// DoCommand exposes worker diagnostics: {"command": "status"} reports the
// acquisition loop state, the failure counter, and per-modality capture times.
func (o *oakD) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	cmd, ok := req["command"]
	if !ok {
		return nil, errors.New("missing 'command' string")
	}
	if cmd != "status" {
		return nil, errors.Errorf("unknown command %v", cmd)
	}

	worker := o.currentWorker()
	status := map[string]interface{}{
		"state":    worker.State(),
		"failures": worker.Failures(),
		"running":  worker.Running(),
	}
	if frame := worker.store.color.Load(); frame != nil {
		status["color_captured_at"] = frame.CapturedAt.Format(time.RFC3339Nano)
	}
	if frame := worker.store.depth.Load(); frame != nil {
		status["depth_captured_at"] = frame.CapturedAt.Format(time.RFC3339Nano)
	}
	if frame := worker.store.pointCloud.Load(); frame != nil {
		status["point_cloud_captured_at"] = frame.CapturedAt.Format(time.RFC3339Nano)
	}
	return status, nil
}

func (o *oakD) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	worker := o.worker
	o.mu.Unlock()

	worker.Close()
	return nil
}
