package restore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	xdraw "golang.org/x/image/draw"
)

const (
	// JPEGQuality is used for restored results.
	JPEGQuality = 95
	// PreviewQuality and PreviewSize bound upload previews.
	PreviewQuality = 85
	PreviewSize    = 800
)

// Decode reads a PNG, JPEG or GIF image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("unsupported or corrupt image: %w", err)
	}
	return img, nil
}

func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// Preview scales img down to fit PreviewSize on its longer side and returns it as JPEG.
func Preview(img image.Image) ([]byte, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > PreviewSize || h > PreviewSize {
		if w >= h {
			w, h = PreviewSize, max(1, h*PreviewSize/b.Dx())
		} else {
			w, h = max(1, w*PreviewSize/b.Dy()), PreviewSize
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, dst, PreviewQuality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDataURL decodes a "data:image/...;base64," URL, or bare base64.
func DecodeDataURL(s string) (image.Image, error) {
	if i := strings.Index(s, ","); strings.HasPrefix(s, "data:") && i >= 0 {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return Decode(bytes.NewReader(raw))
}

// EncodeDataURL encodes img as a JPEG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, JPEGQuality); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
