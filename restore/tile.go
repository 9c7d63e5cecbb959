package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"restorapi/model"
)

var ErrBadPatch = errors.New("engine returned a malformed patch")

// Engine runs one encoded patch through a loaded model.
type Engine interface {
	Run(ctx context.Context, inst model.Instance, patch []byte) ([]byte, error)
}

// ProgressFunc is told how many of total patches are done.
type ProgressFunc func(done, total int)

// Tiler restores images of any size by padding them to a multiple of the patch
// size, restoring each square patch separately and cropping the result.
type Tiler struct {
	engine Engine
	size   int
}

func NewTiler(engine Engine, patchSize int) *Tiler {
	return &Tiler{engine: engine, size: patchSize}
}

func (t *Tiler) PatchSize() int {
	return t.size
}

// Patches returns how many patches an image of the given bounds needs.
func (t *Tiler) Patches(b image.Rectangle) int {
	cols := ceilDiv(b.Dx(), t.size)
	rows := ceilDiv(b.Dy(), t.size)
	return cols * rows
}

func (t *Tiler) Restore(ctx context.Context, inst model.Instance, src image.Image, progress ProgressFunc) (*image.NRGBA, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	padded := padReflect(src, t.size)
	pb := padded.Bounds()
	out := image.NewNRGBA(pb)

	total := t.Patches(b)
	done := 0
	var buf bytes.Buffer
	for y := 0; y < pb.Dy(); y += t.size {
		for x := 0; x < pb.Dx(); x += t.size {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rect := image.Rect(x, y, x+t.size, y+t.size)

			buf.Reset()
			if err := png.Encode(&buf, padded.SubImage(rect)); err != nil {
				return nil, fmt.Errorf("encode patch: %w", err)
			}
			restored, err := t.engine.Run(ctx, inst, buf.Bytes())
			if err != nil {
				return nil, err
			}
			patch, err := png.Decode(bytes.NewReader(restored))
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrBadPatch, err)
			}
			if rb := patch.Bounds(); rb.Dx() != t.size || rb.Dy() != t.size {
				return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrBadPatch, rb.Dx(), rb.Dy(), t.size, t.size)
			}
			draw.Draw(out, rect, patch, patch.Bounds().Min, draw.Src)

			done++
			if progress != nil {
				progress(done, total)
			}
		}
	}

	cropped := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(cropped, cropped.Bounds(), out, image.Point{}, draw.Src)
	return cropped, nil
}

// padReflect copies src into an origin-based image whose sides are multiples of
// size, filling the extra rows and columns by mirroring the edge (edge pixel not repeated).
func padReflect(src image.Image, size int) *image.NRGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	pw, ph := ceilDiv(w, size)*size, ceilDiv(h, size)*size

	base := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(base, base.Bounds(), src, b.Min, draw.Src)
	if pw == w && ph == h {
		return base
	}

	dst := image.NewNRGBA(image.Rect(0, 0, pw, ph))
	for y := 0; y < ph; y++ {
		sy := reflectIndex(y, h)
		for x := 0; x < pw; x++ {
			sx := reflectIndex(x, w)
			si := base.PixOffset(sx, sy)
			di := dst.PixOffset(x, y)
			copy(dst.Pix[di:di+4], base.Pix[si:si+4])
		}
	}
	return dst
}

func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i >= n {
		i = period - i
	}
	return i
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
