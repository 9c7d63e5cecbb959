package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"restorapi/config"
	"restorapi/model"
)

// Weights is a model whose weight file has been read into memory. The engine
// process is handed the file path; the in-memory copy is what residency costs.
type Weights struct {
	Key    string
	Path   string
	Size   int64
	Digest string

	mu   sync.Mutex
	data []byte
}

// Close drops the in-memory weights. It is safe to call more than once.
func (w *Weights) Close() error {
	w.mu.Lock()
	w.data = nil
	w.mu.Unlock()
	return nil
}

func (w *Weights) Loaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.data != nil
}

// Loader reads model weights from WEIGHTS_DIR.
type Loader struct {
	dir        string
	minFreeMem int64
}

func NewLoader(cfg *config.Config) *Loader {
	return &Loader{
		dir:        cfg.WeightsDir,
		minFreeMem: cfg.ThrottleFreeMem,
	}
}

// Definitions builds the model definitions from the configured model map.
func Definitions(cfg *config.Config) []model.Definition {
	defs := make([]model.Definition, 0, len(cfg.Models))
	for _, key := range cfg.ModelKeys() {
		defs = append(defs, model.Definition{
			Key:         key,
			WeightsPath: filepath.Join(cfg.WeightsDir, cfg.Models[key]),
		})
	}
	return defs
}

func (l *Loader) Load(ctx context.Context, def model.Definition) (model.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(def.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("model weights for '%s' not found: %w", def.Key, err)
	}

	if err := l.checkMemory(info.Size()); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := os.ReadFile(def.WeightsPath)
	if err != nil {
		return nil, fmt.Errorf("could not read weights for '%s': %w", def.Key, err)
	}
	sum := sha256.Sum256(data)

	w := &Weights{
		Key:    def.Key,
		Path:   def.WeightsPath,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(sum[:]),
		data:   data,
	}
	log.Printf("Model '%s' loaded from %s (%d bytes) in %s.", def.Key, def.WeightsPath, w.Size, time.Since(start).Round(time.Millisecond))
	return w, nil
}

// checkMemory refuses a load that would leave less than the configured free memory.
func (l *Loader) checkMemory(need int64) error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Printf("Warning: could not get memory usage: %v", err)
		return nil
	}
	if vm.Available < uint64(need+l.minFreeMem) {
		return fmt.Errorf("not enough free memory to load model. Available: %d, Required: %d", vm.Available, need+l.minFreeMem)
	}
	return nil
}
