package oak

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"

	"go.viam.com/rdk/rimage"
)

// ColorFrame is a captured color image plus the time it was captured at.
// Immutable once published.
type ColorFrame struct {
	Image      image.Image
	CapturedAt time.Time
}

// DepthFrame is a captured depth map plus the time it was captured at.
type DepthFrame struct {
	Map        *rimage.DepthMap
	CapturedAt time.Time
}

// PointCloudFrame is a captured grid of 3D points plus the time it was
// captured at. Rows and Cols describe the grid layout of Points.
type PointCloudFrame struct {
	Points     []r3.Vector
	Rows       int
	Cols       int
	CapturedAt time.Time
}

// captureStore holds the most recently captured frame of each modality.
// Each slot is written by the acquisition loop only, as a whole-value swap,
// so readers never observe a partially written frame. A nil slot means that
// modality has never been captured.
type captureStore struct {
	color      atomic.Pointer[ColorFrame]
	depth      atomic.Pointer[DepthFrame]
	pointCloud atomic.Pointer[PointCloudFrame]
}

// demandFlag records whether a consumer has ever requested an optional
// modality. Monotonic: once set it never reverts.
type demandFlag struct {
	requested atomic.Bool
}

func (d *demandFlag) markRequested() {
	d.requested.Store(true)
}

func (d *demandFlag) get() bool {
	return d.requested.Load()
}
