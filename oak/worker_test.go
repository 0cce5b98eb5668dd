package oak

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rdk/logging"
)

// fakeDevice is a scriptable in-memory device for exercising the worker's
// failure and reconfiguration paths.
type fakeDevice struct {
	mu          sync.Mutex
	deploySpecs []PipelineSpec
	failBuilds  int
	failReads   int
	silent      bool
	closes      int
}

func (d *fakeDevice) DeployPipeline(ctx context.Context, spec PipelineSpec) (Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failBuilds > 0 {
		d.failBuilds--
		return nil, errors.New("fake deploy failure")
	}
	d.deploySpecs = append(d.deploySpecs, spec)
	return &fakePipeline{device: d, spec: spec}, nil
}

func (d *fakeDevice) deployCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deploySpecs)
}

func (d *fakeDevice) lastSpec() PipelineSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deploySpecs[len(d.deploySpecs)-1]
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

type fakePipeline struct {
	device *fakeDevice
	spec   PipelineSpec
	seq    int
}

func (p *fakePipeline) TryNext(ctx context.Context, modality Modality) (*RawFrame, bool, error) {
	p.device.mu.Lock()
	if p.device.failReads > 0 {
		p.device.failReads--
		p.device.mu.Unlock()
		return nil, false, errors.New("fake transport failure")
	}
	silent := p.device.silent
	p.device.mu.Unlock()
	if silent {
		return nil, false, nil
	}

	width, height := p.spec.Width, p.spec.Height
	switch modality {
	case ModalityColor:
		if !p.spec.EnableColor {
			return nil, false, nil
		}
		p.seq++
		return &RawFrame{
			Modality: ModalityColor,
			Width:    width,
			Height:   height,
			BGR:      make([]byte, width*height*3),
		}, true, nil
	case ModalityDepth:
		if !p.spec.EnableDepth {
			return nil, false, nil
		}
		p.seq++
		return &RawFrame{
			Modality: ModalityDepth,
			Width:    width,
			Height:   height,
			Depth:    make([]uint16, width*height),
		}, true, nil
	case ModalityPointCloud:
		if !p.spec.EnablePointCloud {
			return nil, false, nil
		}
		p.seq++
		points := make([]r3.Vector, 0, width*height)
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				points = append(points, r3.Vector{X: float64(x), Y: float64(y), Z: float64(p.seq)})
			}
		}
		return &RawFrame{
			Modality: ModalityPointCloud,
			Width:    width,
			Height:   height,
			Points:   points,
		}, true, nil
	default:
		return nil, false, errors.Errorf("unknown modality %q", modality)
	}
}

func (p *fakePipeline) Close(ctx context.Context) error {
	p.device.mu.Lock()
	defer p.device.mu.Unlock()
	p.device.closes++
	return nil
}

func testWorkerConfig(width, height int, color, depth bool) WorkerConfig {
	return WorkerConfig{
		Width:         width,
		Height:        height,
		FrameRate:     30,
		EnableColor:   color,
		EnableDepth:   depth,
		PollInterval:  10 * time.Millisecond,
		WatchInterval: 10 * time.Millisecond,
	}
}

func TestWorkerColorOnly(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{}
	w := NewWorker(dev, testWorkerConfig(32, 24, true, false), func() {}, logger)
	defer w.Close()

	frame, err := w.GetColorImage(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldNotBeNil)
	test.That(t, frame.Image.Bounds().Dx(), test.ShouldEqual, 32)
	test.That(t, frame.Image.Bounds().Dy(), test.ShouldEqual, 24)
	test.That(t, frame.CapturedAt.IsZero(), test.ShouldBeFalse)

	// Depth is disabled, so the getter stays pending until its context runs out.
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err = w.GetDepthMap(ctx)
	test.That(t, err, test.ShouldBeError, context.DeadlineExceeded)

	// A pending depth getter resolves with ErrStopped once the worker stops.
	errCh := make(chan error, 1)
	go func() {
		_, err := w.GetDepthMap(context.Background())
		errCh <- err
	}()
	time.Sleep(30 * time.Millisecond)
	w.Close()
	select {
	case err := <-errCh:
		test.That(t, err, test.ShouldBeError, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("depth getter did not resolve after worker stop")
	}
}

func TestWorkerPointCloudDemandRestartsPipeline(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{}
	w := NewWorker(dev, testWorkerConfig(16, 12, true, true), func() {}, logger)
	defer w.Close()

	first, err := w.GetColorImage(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.deployCount(), test.ShouldEqual, 1)
	test.That(t, dev.lastSpec().EnablePointCloud, test.ShouldBeFalse)

	pcd, err := w.GetPointCloud(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pcd.Rows, test.ShouldEqual, 12)
	test.That(t, pcd.Cols, test.ShouldEqual, 16)
	test.That(t, len(pcd.Points), test.ShouldEqual, 16*12)

	// The loop drained the old pipeline and rebuilt with the point cloud stage.
	test.That(t, dev.deployCount(), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, dev.lastSpec().EnablePointCloud, test.ShouldBeTrue)
	test.That(t, dev.closeCount(), test.ShouldBeGreaterThanOrEqualTo, 1)

	// Color capture resumes after the rebuild.
	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 200, func(tb testing.TB) {
		frame, err := w.GetColorImage(context.Background())
		test.That(tb, err, test.ShouldBeNil)
		test.That(tb, frame.CapturedAt.After(first.CapturedAt), test.ShouldBeTrue)
	})

	// Subsequent point cloud calls do not trigger another rebuild.
	deploys := dev.deployCount()
	_, err = w.GetPointCloud(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.deployCount(), test.ShouldEqual, deploys)
}

func TestWorkerEscalatesAfterRepeatedReadFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{failReads: 4}

	var reconfigures callCounter
	w := NewWorker(dev, testWorkerConfig(8, 6, true, false), reconfigures.inc, logger)
	defer w.Close()

	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 300, func(tb testing.TB) {
		test.That(tb, reconfigures.load(), test.ShouldEqual, 1)
		test.That(tb, w.State(), test.ShouldEqual, "stopped")
		test.That(tb, w.Running(), test.ShouldBeFalse)
	})

	// The factory fires exactly once, never again.
	time.Sleep(100 * time.Millisecond)
	test.That(t, reconfigures.load(), test.ShouldEqual, 1)

	// Every deployed pipeline was released.
	test.That(t, dev.closeCount(), test.ShouldEqual, dev.deployCount())
}

func TestWorkerRecoversFromTransientBuildFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{failBuilds: 2}

	var reconfigures callCounter
	w := NewWorker(dev, testWorkerConfig(8, 6, true, false), reconfigures.inc, logger)
	defer w.Close()

	frame, err := w.GetColorImage(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frame, test.ShouldNotBeNil)
	test.That(t, reconfigures.load(), test.ShouldEqual, 0)
	test.That(t, dev.deployCount(), test.ShouldEqual, 1)

	// A successful round clears the failure counter.
	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 100, func(tb testing.TB) {
		test.That(tb, w.Failures(), test.ShouldEqual, 0)
	})
}

func TestWorkerEscalatesAfterRepeatedBuildFailures(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{failBuilds: 100}

	var reconfigures callCounter
	w := NewWorker(dev, testWorkerConfig(8, 6, true, false), reconfigures.inc, logger)
	defer w.Close()

	testutils.WaitForAssertionWithSleep(t, 10*time.Millisecond, 300, func(tb testing.TB) {
		test.That(tb, reconfigures.load(), test.ShouldEqual, 1)
		test.That(tb, w.State(), test.ShouldEqual, "stopped")
	})
	time.Sleep(100 * time.Millisecond)
	test.That(t, reconfigures.load(), test.ShouldEqual, 1)
}

func TestWorkerStopResolvesAllPendingGetters(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{silent: true}
	w := NewWorker(dev, testWorkerConfig(8, 6, true, true), func() {}, logger)

	errs := make(chan error, 3)
	go func() {
		_, err := w.GetColorImage(context.Background())
		errs <- err
	}()
	go func() {
		_, err := w.GetDepthMap(context.Background())
		errs <- err
	}()
	go func() {
		_, err := w.GetPointCloud(context.Background())
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	w.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			test.That(t, err, test.ShouldBeError, ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("getter did not resolve after worker stop")
		}
	}
}

func TestWorkerSubsamplesOversizedPointClouds(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dev := &fakeDevice{}
	// 592x592 points at 24 bytes each is just over 8 MiB raw.
	w := NewWorker(dev, testWorkerConfig(592, 592, false, true), func() {}, logger)
	defer w.Close()

	frame, err := w.GetPointCloud(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(frame.Points)*bytesPerPoint, test.ShouldBeLessThanOrEqualTo, maxGRPCMessageByteCount)
	test.That(t, frame.Rows, test.ShouldEqual, 296)
	test.That(t, frame.Cols, test.ShouldEqual, 296)

	// The surviving points are a uniform every-other-row/column sample.
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			point := frame.Points[r*frame.Cols+c]
			test.That(t, point.X, test.ShouldEqual, float64(2*c))
			test.That(t, point.Y, test.ShouldEqual, float64(2*r))
		}
	}
}

// callCounter is a tiny counter shared between the worker's replacement callback
// and test assertions.
type callCounter struct {
	mu sync.Mutex
	n  int
}

func (a *callCounter) inc() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
}

func (a *callCounter) load() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
