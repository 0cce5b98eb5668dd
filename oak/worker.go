// Package oak implements the acquisition core of an OAK-D camera: a worker
// that owns the device pipeline, publishes the latest frame of each modality,
// rebuilds the pipeline when point cloud demand appears, and escalates to
// full worker replacement after repeated pipeline failures.
package oak

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

const (
	// maxPipelineFailures is how many consecutive pipeline failures are
	// absorbed in place before escalating to full worker replacement.
	maxPipelineFailures = 3

	// maxGRPCMessageByteCount caps the point cloud payload so a frame fits in
	// a single gRPC message. Update this if the gRPC config ever changes.
	maxGRPCMessageByteCount = 4194304

	defaultPollInterval  = 100 * time.Millisecond
	defaultWatchInterval = 500 * time.Millisecond

	// captureRoundPause keeps the non-blocking capture loop from spinning
	// hot between device reads.
	captureRoundPause = 5 * time.Millisecond
)

// ErrStopped is returned by the frame getters when the worker has stopped
// and the requested frame will never arrive.
var ErrStopped = errors.New("worker stopped; no frame will arrive")

// WorkerConfig holds the acquisition settings for a Worker.
type WorkerConfig struct {
	Width     int
	Height    int
	FrameRate float32

	EnableColor bool
	EnableDepth bool

	// PollInterval is how often the getters re-check for a frame, and
	// WatchInterval how often the manager checks the reconfiguration flag.
	// Zero values select the defaults. Clock, when set, drives all waits.
	PollInterval  time.Duration
	WatchInterval time.Duration
	Clock         clock.Clock
}

// loopState is the acquisition loop's position in its lifecycle.
type loopState int32

const (
	stateBuilding loopState = iota
	stateRunning
	stateDrainingForRestart
	stateDrainingForFailure
	stateStopped
)

func (s loopState) String() string {
	switch s {
	case stateBuilding:
		return "building"
	case stateRunning:
		return "running"
	case stateDrainingForRestart:
		return "draining_for_restart"
	case stateDrainingForFailure:
		return "draining_for_failure"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker drives the device pipeline on a dedicated goroutine and exposes the
// latest captured frame of each modality. Consumers never talk to the device;
// they poll the worker's getters, which suspend cooperatively until a frame
// exists or the worker stops.
type Worker struct {
	conf         WorkerConfig
	device       Device
	logger       logging.Logger
	clock        clock.Clock
	pollInterval time.Duration

	store        captureStore
	pcdRequested demandFlag

	manager  *workerManager
	state    atomic.Int32
	failures atomic.Int32

	cancelCtx               context.Context
	cancel                  func()
	activeBackgroundWorkers sync.WaitGroup
}

// NewWorker starts a worker against the given device. The reconfigure
// callback must construct a replacement worker and make it the one in use;
// it is invoked at most once, after the pipeline has failed repeatedly.
func NewWorker(device Device, conf WorkerConfig, reconfigure func(), logger logging.Logger) *Worker {
	logger.Info("initializing worker")

	c := conf.Clock
	if c == nil {
		c = clock.New()
	}
	pollInterval := conf.PollInterval
	if pollInterval == 0 {
		pollInterval = defaultPollInterval
	}
	watchInterval := conf.WatchInterval
	if watchInterval == 0 {
		watchInterval = defaultWatchInterval
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		conf:         conf,
		device:       device,
		logger:       logger,
		clock:        c,
		pollInterval: pollInterval,
		cancelCtx:    cancelCtx,
		cancel:       cancel,
	}
	w.manager = newWorkerManager(cancelCtx, c, watchInterval, reconfigure, logger)
	w.state.Store(int32(stateBuilding))

	w.activeBackgroundWorkers.Add(2)
	goutils.ManagedGo(w.manager.watch, w.activeBackgroundWorkers.Done)
	goutils.ManagedGo(w.runPipelineLoop, w.activeBackgroundWorkers.Done)
	return w
}

// Running reports whether the worker is still capturing or will capture again.
func (w *Worker) Running() bool {
	return w.manager.Running()
}

// State returns the acquisition loop's current lifecycle state.
func (w *Worker) State() string {
	return loopState(w.state.Load()).String()
}

// Failures returns the count of consecutive pipeline failures in the current
// pipeline lifetime.
func (w *Worker) Failures() int {
	return int(w.failures.Load())
}

// Close stops the worker and waits for its goroutines to exit. Safe to call
// more than once.
func (w *Worker) Close() {
	w.logger.Info("stopping worker")
	w.manager.Stop()
	w.cancel()
	w.activeBackgroundWorkers.Wait()
}

// GetColorImage returns the most recently captured color image, suspending
// until one has been captured. It returns ErrStopped if the worker stops
// before any color frame exists.
func (w *Worker) GetColorImage(ctx context.Context) (*ColorFrame, error) {
	for {
		if frame := w.store.color.Load(); frame != nil {
			return frame, nil
		}
		if !w.manager.Running() {
			return nil, ErrStopped
		}
		if !goutils.SelectContextOrWait(ctx, w.pollInterval) {
			return nil, ctx.Err()
		}
	}
}

// GetDepthMap returns the most recently captured depth map, suspending until
// one has been captured. It returns ErrStopped if the worker stops before
// any depth frame exists.
func (w *Worker) GetDepthMap(ctx context.Context) (*DepthFrame, error) {
	for {
		if frame := w.store.depth.Load(); frame != nil {
			return frame, nil
		}
		if !w.manager.Running() {
			return nil, ErrStopped
		}
		if !goutils.SelectContextOrWait(ctx, w.pollInterval) {
			return nil, ctx.Err()
		}
	}
}

// GetPointCloud returns the most recently captured point grid. Point cloud
// derivation is expensive, so the pipeline only includes it once someone has
// asked: the first call flips the demand flag and the acquisition loop
// rebuilds the pipeline with the point cloud stage on its next round.
func (w *Worker) GetPointCloud(ctx context.Context) (*PointCloudFrame, error) {
	w.pcdRequested.markRequested()
	for {
		if frame := w.store.pointCloud.Load(); frame != nil {
			return frame, nil
		}
		if !w.manager.Running() {
			return nil, ErrStopped
		}
		if !goutils.SelectContextOrWait(ctx, w.pollInterval) {
			return nil, ctx.Err()
		}
	}
}

func (w *Worker) pipelineSpec(withPointCloud bool) PipelineSpec {
	return PipelineSpec{
		Width:             w.conf.Width,
		Height:            w.conf.Height,
		FrameRate:         w.conf.FrameRate,
		EnableColor:       w.conf.EnableColor,
		EnableDepth:       w.conf.EnableDepth,
		EnablePointCloud:  withPointCloud,
		AlignDepthToColor: w.conf.EnableColor && w.conf.EnableDepth,
	}
}

// runPipelineLoop (re)builds the device pipeline and runs the capture cycle
// until the worker stops or the pipeline fails past the retry ceiling. Demand
// for the point cloud stage is snapshotted at build time; when the live flag
// diverges the pipeline is drained and rebuilt, since the device cannot add
// stages to a running pipeline.
func (w *Worker) runPipelineLoop() {
	defer w.logger.Info("exited worker pipeline loop")

	var pipeline Pipeline
	var demandSnapshot bool

	closePipeline := func() {
		if pipeline == nil {
			return
		}
		if err := pipeline.Close(context.Background()); err != nil {
			w.logger.Debugw("error closing pipeline", "error", err)
		}
		pipeline = nil
	}
	defer closePipeline()

	state := stateBuilding
	setState := func(s loopState) {
		state = s
		w.state.Store(int32(s))
	}

	for {
		switch state {
		case stateBuilding:
			if !w.manager.Running() {
				setState(stateStopped)
				continue
			}
			demandSnapshot = w.pcdRequested.get()
			built, err := w.device.DeployPipeline(w.cancelCtx, w.pipelineSpec(demandSnapshot))
			if err != nil {
				w.failures.Add(1)
				w.logger.Debugw("pipeline build failed", "failures", w.failures.Load(), "error", err)
				setState(stateDrainingForFailure)
				continue
			}
			pipeline = built
			setState(stateRunning)

		case stateRunning:
			if !w.manager.Running() {
				closePipeline()
				setState(stateStopped)
				continue
			}
			if err := w.captureRound(w.cancelCtx, pipeline, demandSnapshot); err != nil {
				w.failures.Add(1)
				w.logger.Debugw("capture round failed", "failures", w.failures.Load(), "error", err)
				setState(stateDrainingForFailure)
				continue
			}
			// The counter only resets on a fully successful round, so failures
			// that persist across rebuilds still accumulate to the ceiling.
			w.failures.Store(0)
			if w.pcdRequested.get() != demandSnapshot {
				w.logger.Debug("point cloud now requested; restarting pipeline with point cloud support")
				setState(stateDrainingForRestart)
				continue
			}
			waitForTick(w.cancelCtx, w.clock, captureRoundPause)

		case stateDrainingForRestart:
			closePipeline()
			setState(stateBuilding)

		case stateDrainingForFailure:
			closePipeline()
			if int(w.failures.Load()) > maxPipelineFailures {
				w.logger.Errorw("reached max pipeline failures; requesting worker replacement",
					"failures", w.failures.Load())
				w.manager.RequestReconfigure()
				setState(stateStopped)
				continue
			}
			setState(stateBuilding)

		case stateStopped:
			return
		}
	}
}

// captureRound attempts one non-blocking read per configured modality,
// transforming and publishing whatever the device has ready. Any error is
// returned to the loop to be counted as a transient pipeline failure; nothing
// from the device boundary propagates to consumers.
func (w *Worker) captureRound(ctx context.Context, pipeline Pipeline, withPointCloud bool) error {
	if w.conf.EnableColor {
		raw, ok, err := pipeline.TryNext(ctx, ModalityColor)
		if err != nil {
			return errors.Wrap(err, "reading color stream")
		}
		if ok {
			img, err := convertColorFrame(raw, w.conf.Width, w.conf.Height)
			if err != nil {
				return errors.Wrap(err, "transforming color frame")
			}
			w.store.color.Store(&ColorFrame{Image: img, CapturedAt: w.clock.Now()})
		}
	}

	if w.conf.EnableDepth {
		raw, ok, err := pipeline.TryNext(ctx, ModalityDepth)
		if err != nil {
			return errors.Wrap(err, "reading depth stream")
		}
		if ok {
			dm, err := convertDepthFrame(raw, w.conf.Width, w.conf.Height)
			if err != nil {
				return errors.Wrap(err, "transforming depth frame")
			}
			w.store.depth.Store(&DepthFrame{Map: dm, CapturedAt: w.clock.Now()})
		}
	}

	if withPointCloud {
		raw, ok, err := pipeline.TryNext(ctx, ModalityPointCloud)
		if err != nil {
			return errors.Wrap(err, "reading point cloud stream")
		}
		if ok {
			if want := raw.Width * raw.Height; len(raw.Points) != want {
				return errors.Errorf("point cloud frame has %d points; expected %d for %dx%d",
					len(raw.Points), want, raw.Width, raw.Height)
			}
			points, rows, cols, subsampled := fitPointGrid(
				raw.Points, raw.Height, raw.Width, maxGRPCMessageByteCount)
			if subsampled {
				w.logger.Debugw("point cloud over byte ceiling; subsampled",
					"raw_bytes", len(raw.Points)*bytesPerPoint,
					"max_bytes", maxGRPCMessageByteCount,
					"published_points", len(points))
			}
			w.store.pointCloud.Store(&PointCloudFrame{
				Points:     points,
				Rows:       rows,
				Cols:       cols,
				CapturedAt: w.clock.Now(),
			})
		}
	}

	return nil
}
