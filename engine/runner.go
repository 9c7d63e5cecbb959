package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"restorapi/config"
	"restorapi/model"
)

var ErrInference = errors.New("inference failed")

// Runner executes the external restoration engine once per patch.
type Runner struct {
	bin     string
	args    []string
	timeout time.Duration
	tempDir string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	// Ensure the engine binary is executable
	bin, err := exec.LookPath(cfg.EngineBin)
	if err != nil {
		return nil, fmt.Errorf("engine binary not found or not in PATH: %s", cfg.EngineBin)
	}

	args, err := SplitCommand(cfg.EngineArgs)
	if err != nil {
		return nil, err
	}
	if err := ValidateArgs(args); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "restorapi_engine_")
	if err != nil {
		return nil, fmt.Errorf("could not create temp directory: %w", err)
	}
	log.Printf("Engine scratch directory: %s", tempDir)

	return &Runner{
		bin:     bin,
		args:    args,
		timeout: cfg.EngineTimeout,
		tempDir: tempDir,
	}, nil
}

// Run sends one PNG encoded patch through the engine with the given model and
// returns the restored PNG patch.
func (r *Runner) Run(ctx context.Context, inst model.Instance, patch []byte) ([]byte, error) {
	w, ok := inst.(*Weights)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model instance %T", ErrInference, inst)
	}
	if !w.Loaded() {
		return nil, fmt.Errorf("%w: model '%s' is not resident", ErrInference, w.Key)
	}

	dir, err := os.MkdirTemp(r.tempDir, "patch_")
	if err != nil {
		return nil, fmt.Errorf("%w: could not create patch directory: %w", ErrInference, err)
	}
	defer os.RemoveAll(dir)

	inputPath := filepath.Join(dir, "input.png")
	outputPath := filepath.Join(dir, "output.png")
	if err := os.WriteFile(inputPath, patch, 0o600); err != nil {
		return nil, fmt.Errorf("%w: could not write patch: %w", ErrInference, err)
	}

	args := expandArgs(r.args, map[string]string{
		WeightsPlaceholder: w.Path,
		InputPlaceholder:   inputPath,
		OutputPlaceholder:  outputPath,
		ModelPlaceholder:   w.Key,
		DigestPlaceholder:  w.Digest,
	})

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.bin, args...)
	var outputBuf bytes.Buffer
	cmd.Stdout = &outputBuf
	cmd.Stderr = &outputBuf

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: engine exited for model '%s': %w: %s", ErrInference, w.Key, err, tail(outputBuf.String(), 512))
	}

	out, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("%w: engine produced no output for model '%s': %w", ErrInference, w.Key, err)
	}
	return out, nil
}

// Close removes the scratch directory.
func (r *Runner) Close() error {
	return os.RemoveAll(r.tempDir)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
