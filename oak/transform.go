package oak

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/rdk/rimage"
)

// bytesPerPoint is the wire size of one point (three float64 coordinates).
const bytesPerPoint = 24

// convertColorFrame turns a raw BGR device frame into an RGB image at the
// configured output size. The device emits the closest resolution it
// supports, which may not match the requested one.
func convertColorFrame(raw *RawFrame, width, height int) (*rimage.Image, error) {
	if want := raw.Width * raw.Height * 3; len(raw.BGR) != want {
		return nil, errors.Errorf("color frame has %d bytes; expected %d for %dx%d",
			len(raw.BGR), want, raw.Width, raw.Height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, raw.Width, raw.Height))
	for y := 0; y < raw.Height; y++ {
		for x := 0; x < raw.Width; x++ {
			src := (y*raw.Width + x) * 3
			dst := img.PixOffset(x, y)
			img.Pix[dst] = raw.BGR[src+2]
			img.Pix[dst+1] = raw.BGR[src+1]
			img.Pix[dst+2] = raw.BGR[src]
			img.Pix[dst+3] = 0xff
		}
	}
	var out image.Image = img
	if raw.Width != width || raw.Height != height {
		out = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	return rimage.ConvertImage(out), nil
}

// convertDepthFrame turns a raw millimeter depth grid into a DepthMap at the
// configured output size. Resizing is nearest-neighbor: depth values are
// 16-bit physical measurements, so interpolating through an 8-bit image
// library would corrupt them.
func convertDepthFrame(raw *RawFrame, width, height int) (*rimage.DepthMap, error) {
	if want := raw.Width * raw.Height; len(raw.Depth) != want {
		return nil, errors.Errorf("depth frame has %d values; expected %d for %dx%d",
			len(raw.Depth), want, raw.Width, raw.Height)
	}
	dm := rimage.NewEmptyDepthMap(width, height)
	for y := 0; y < height; y++ {
		srcY := y * raw.Height / height
		for x := 0; x < width; x++ {
			srcX := x * raw.Width / width
			dm.Set(x, y, rimage.Depth(raw.Depth[srcY*raw.Width+srcX]))
		}
	}
	return dm, nil
}

// fitPointGrid enforces the payload byte ceiling on a point grid by
// uniformly subsampling every other row and column until the grid fits.
// An axis of length 1 cannot shrink further and is kept as is. It
// reports whether any subsampling happened.
func fitPointGrid(points []r3.Vector, rows, cols, maxBytes int) ([]r3.Vector, int, int, bool) {
	subsampled := false
	for len(points)*bytesPerPoint > maxBytes && (rows > 1 || cols > 1) {
		rowStep, colStep := 1, 1
		if rows > 1 {
			rowStep = 2
		}
		if cols > 1 {
			colStep = 2
		}
		outRows := (rows + rowStep - 1) / rowStep
		outCols := (cols + colStep - 1) / colStep
		out := make([]r3.Vector, 0, outRows*outCols)
		for y := 0; y < rows; y += rowStep {
			for x := 0; x < cols; x += colStep {
				out = append(out, points[y*cols+x])
			}
		}
		points, rows, cols = out, outRows, outCols
		subsampled = true
	}
	return points, rows, cols, subsampled
}
