package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"log"
	"os"
	"path"
	"path/filepath"

	"restorapi/model"
	"restorapi/results"
	"restorapi/storage"
)

// VideoTool splits videos into frames and back.
type VideoTool interface {
	FrameRate(ctx context.Context, input string) (float64, error)
	ExtractFrames(ctx context.Context, input, dir string) ([]string, error)
	Encode(ctx context.Context, dir string, fps float64, audioSrc, output string) error
}

var ErrVideoUnsupported = errors.New("video processing is not available")

// Processor restores uploaded files into result files, both addressed as store paths.
type Processor struct {
	tiler *Tiler
	store *storage.Store
	video VideoTool
}

// NewProcessor returns a processor. video may be nil, in which case video jobs fail.
func NewProcessor(engine Engine, video VideoTool, store *storage.Store, patchSize int) *Processor {
	return &Processor{
		tiler: NewTiler(engine, patchSize),
		store: store,
		video: video,
	}
}

func (p *Processor) Tiler() *Tiler {
	return p.tiler
}

// Process restores input into output with the given model, reporting progress
// as a percentage.
func (p *Processor) Process(ctx context.Context, ft results.FileType, input, output string, inst model.Instance, progress func(percent int)) error {
	if progress == nil {
		progress = func(int) {}
	}
	switch ft {
	case results.Image:
		return p.processImage(ctx, input, output, inst, progress)
	case results.Video:
		return p.processVideo(ctx, input, output, inst, progress)
	default:
		return fmt.Errorf("unsupported file type %q", ft)
	}
}

func (p *Processor) processImage(ctx context.Context, input, output string, inst model.Instance, progress func(int)) error {
	f, err := p.store.Open(input)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	src, err := Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	restored, err := p.tiler.Restore(ctx, inst, src, func(done, total int) {
		progress(done * 100 / total)
	})
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, restored, JPEGQuality); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return p.store.WriteFile(output, buf.Bytes())
}

func (p *Processor) processVideo(ctx context.Context, input, output string, inst model.Instance, progress func(int)) error {
	if p.video == nil {
		return ErrVideoUnsupported
	}
	realIn, err := p.store.RealPath(input)
	if err != nil {
		return err
	}
	realOut, err := p.store.RealPath(output)
	if err != nil {
		return err
	}

	work, err := os.MkdirTemp("", "restorapi_frames_")
	if err != nil {
		return fmt.Errorf("could not create frame directory: %w", err)
	}
	defer os.RemoveAll(work)
	inDir, outDir := filepath.Join(work, "in"), filepath.Join(work, "out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	fps, err := p.video.FrameRate(ctx, realIn)
	if err != nil {
		return err
	}
	frames, err := p.video.ExtractFrames(ctx, realIn, inDir)
	if err != nil {
		return err
	}
	log.Printf("Restoring %d frames at %.3f fps from %s", len(frames), fps, input)

	for i, frame := range frames {
		if err := p.restoreFrame(ctx, inst, frame, filepath.Join(outDir, filepath.Base(frame))); err != nil {
			return fmt.Errorf("frame %d: %w", i+1, err)
		}
		// Encoding takes the remaining share.
		progress((i + 1) * 95 / len(frames))
	}

	if err := p.store.MkdirAll(path.Dir(output)); err != nil {
		return err
	}
	return p.video.Encode(ctx, outDir, fps, realIn, realOut)
}

func (p *Processor) restoreFrame(ctx context.Context, inst model.Instance, in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	src, err := Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	restored, err := p.tiler.Restore(ctx, inst, src, nil)
	if err != nil {
		return err
	}

	w, err := os.Create(out)
	if err != nil {
		return err
	}
	if err := png.Encode(w, restored); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// RestoreDataURL restores one base64 image from the live stream and returns it as a JPEG data URL.
func (p *Processor) RestoreDataURL(ctx context.Context, inst model.Instance, dataURL string) (string, error) {
	src, err := DecodeDataURL(dataURL)
	if err != nil {
		return "", err
	}
	restored, err := p.tiler.Restore(ctx, inst, src, nil)
	if err != nil {
		return "", err
	}
	return EncodeDataURL(restored)
}
