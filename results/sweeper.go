package results

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"restorapi/storage"
)

type SweepResult struct {
	Deleted                 int `json:"deleted"`
	SkippedInProgress       int `json:"skippedInProgress"`
	SkippedAwaitingDownload int `json:"skippedAwaitingDownload"`
	Errors                  int `json:"errors"`
}

type Usage struct {
	BytesByFileType map[FileType]int64 `json:"bytesByFileType"`
	FreeDiskBytes   uint64             `json:"freeDiskBytes,omitempty"`
}

// Sweeper deletes result and upload files that nothing protects anymore.
type Sweeper struct {
	tracker  *Tracker
	store    *storage.Store
	interval time.Duration

	// Serializes sweeps; Register and the other tracker calls are not blocked by it.
	mu sync.Mutex
}

func NewSweeper(tracker *Tracker, store *storage.Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		tracker:  tracker,
		store:    store,
		interval: interval,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[AUTO_CLEANUP] Task started. Will run every %s.", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AUTO_CLEANUP] Cleanup loop shutting down.")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx, nil)
			if err != nil {
				log.Printf("[AUTO_CLEANUP] Error during scheduled cleanup: %v", err)
				continue
			}
			log.Printf("[AUTO_CLEANUP] Scheduled cleanup finished: %+v", res)
		}
	}
}

// Sweep deletes the unprotected files under the roots of the given file types
// (all types when empty) and then the directories left empty. Storage errors
// are logged and counted; only cancellation stops a sweep early.
func (s *Sweeper) Sweep(ctx context.Context, types []FileType) (SweepResult, error) {
	if len(types) == 0 {
		types = FileTypes
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	for _, ft := range types {
		root := ft.Root()
		files, err := s.store.ListFiles(root)
		if err != nil {
			log.Printf("[SWEEP] Failed to enumerate %s: %v", root, err)
			res.Errors++
		}

		for _, path := range files {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			s.sweepFile(path, &res)
		}

		if _, err := s.store.RemoveEmptyDirs(root, s.tracker.protectsDir); err != nil {
			log.Printf("[SWEEP] Failed to remove empty directories under %s: %v", root, err)
			res.Errors++
		}
	}
	return res, nil
}

func (s *Sweeper) sweepFile(path string, res *SweepResult) {
	prot, rec := s.tracker.claim(path)
	switch prot {
	case ProtectedInProgress:
		res.SkippedInProgress++
		return
	case ProtectedAwaitingDownload:
		res.SkippedAwaitingDownload++
		return
	}

	err := s.store.Remove(path)
	switch {
	case err == nil:
		res.Deleted++
	case errors.Is(err, fs.ErrNotExist):
		// Already gone; the record stays untracked.
	default:
		log.Printf("[SWEEP] Failed to delete file %s: %v", path, err)
		res.Errors++
		if rec != nil {
			s.tracker.restore(rec)
		}
	}
}

// Usage reports bytes on disk per file type and, for OS backed stores, free disk space.
func (s *Sweeper) Usage() (Usage, error) {
	u := Usage{BytesByFileType: make(map[FileType]int64, len(FileTypes))}
	for _, ft := range FileTypes {
		size, err := s.store.DirSize(ft.Root())
		if err != nil {
			return u, err
		}
		u.BytesByFileType[ft] = size
	}

	if root := s.store.Root(); root != "" {
		d, err := disk.Usage(root)
		if err != nil {
			log.Printf("Warning: could not get disk usage for %s: %v", root, err)
		} else {
			u.FreeDiskBytes = d.Free
		}
	}
	return u, nil
}
