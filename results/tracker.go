package results

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"restorapi/storage"
)

var ErrNotFound = errors.New("result path not found in tracker")

type FileType string

const (
	Image FileType = "image"
	Video FileType = "video"
)

// FileTypes lists every managed file type.
var FileTypes = []FileType{Image, Video}

func (f FileType) Valid() bool {
	return f == Image || f == Video
}

// Root is the storage directory holding uploads and results of this type.
func (f FileType) Root() string {
	return string(f) + "s"
}

type Status string

const (
	StatusActive     Status = "active"
	StatusDownloaded Status = "downloaded"
)

type Record struct {
	Path            string     `json:"path"`
	Status          Status     `json:"status"`
	FileType        FileType   `json:"fileType"`
	TaskID          string     `json:"taskId"`
	CreatedAt       time.Time  `json:"createdAt"`
	DownloadedAt    *time.Time `json:"downloadedAt,omitempty"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
}

type Protection int

const (
	Unprotected Protection = iota
	ProtectedInProgress
	ProtectedAwaitingDownload
)

func (p Protection) String() string {
	switch p {
	case ProtectedInProgress:
		return "PROTECTED_IN_PROGRESS"
	case ProtectedAwaitingDownload:
		return "PROTECTED_AWAITING_DOWNLOAD"
	default:
		return "UNPROTECTED"
	}
}

// Policy holds the timers that decide when a tracked result may be deleted.
type Policy struct {
	ImageGracePeriod time.Duration
	VideoGracePeriod time.Duration
	HeartbeatTimeout time.Duration
}

func (p Policy) GracePeriod(ft FileType) time.Duration {
	if ft == Video {
		return p.VideoGracePeriod
	}
	return p.ImageGracePeriod
}

// Tracker records result files, their download state, and the uploads owned by
// running jobs. A single mutex guards all of it and is never held across I/O.
type Tracker struct {
	policy Policy
	now    func() time.Time

	mu         sync.Mutex
	byPath     map[string]*Record
	byTask     map[string]string
	inProgress map[string]struct{}
}

// NewTracker returns an empty tracker. now defaults to time.Now.
func NewTracker(policy Policy, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		policy:     policy,
		now:        now,
		byPath:     make(map[string]*Record),
		byTask:     make(map[string]string),
		inProgress: make(map[string]struct{}),
	}
}

func (t *Tracker) Policy() Policy {
	return t.policy
}

// Register tracks a newly written result as active.
func (t *Tracker) Register(path string, ft FileType, taskID string) Record {
	path = storage.Clean(path)
	now := t.now()
	rec := &Record{
		Path:            path,
		Status:          StatusActive,
		FileType:        ft,
		TaskID:          taskID,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}

	t.mu.Lock()
	if old, ok := t.byPath[path]; ok && t.byTask[old.TaskID] == path {
		delete(t.byTask, old.TaskID)
	}
	t.byPath[path] = rec
	if taskID != "" {
		t.byTask[taskID] = path
	}
	t.mu.Unlock()

	log.Printf("[CACHE_TRACKER] Added '%s' to tracker for task '%s'.", path, taskID)
	return *rec
}

// Heartbeat refreshes the abandonment timer of the result produced by taskID.
// It reports false when no result is tracked for the task, which is not an error.
func (t *Tracker) Heartbeat(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, ok := t.byTask[taskID]
	if !ok {
		return false
	}
	rec, ok := t.byPath[path]
	if !ok {
		return false
	}
	rec.LastHeartbeatAt = t.now()
	return true
}

// ConfirmDownload marks a result as downloaded and starts its grace period.
// Confirming an already downloaded result succeeds without restamping.
func (t *Tracker) ConfirmDownload(path string) error {
	path = storage.Clean(path)

	t.mu.Lock()
	rec, ok := t.byPath[path]
	if !ok {
		t.mu.Unlock()
		log.Printf("[CACHE_TRACKER] WARNING: Received download confirmation for untracked path '%s'.", path)
		return ErrNotFound
	}
	confirmed := false
	if rec.Status == StatusActive {
		now := t.now()
		rec.Status = StatusDownloaded
		rec.DownloadedAt = &now
		confirmed = true
	}
	t.mu.Unlock()

	if confirmed {
		log.Printf("[CACHE_TRACKER] Confirmed download for '%s'. Status set to 'downloaded'.", path)
	}
	return nil
}

// Get returns a copy of the record for path.
func (t *Tracker) Get(path string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.byPath[storage.Clean(path)]
	if !ok {
		return Record{}, false
	}
	return copyRecord(rec), true
}

// PathForTask returns the result path registered for taskID.
func (t *Tracker) PathForTask(taskID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	path, ok := t.byTask[taskID]
	return path, ok
}

// Records returns copies of all records sorted by path.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.byPath))
	for _, rec := range t.byPath {
		out = append(out, copyRecord(rec))
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// MarkInProgress protects an upload from deletion until ClearInProgress.
func (t *Tracker) MarkInProgress(path string) {
	t.mu.Lock()
	t.inProgress[storage.Clean(path)] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) ClearInProgress(path string) {
	t.mu.Lock()
	delete(t.inProgress, storage.Clean(path))
	t.mu.Unlock()
}

func (t *Tracker) InProgress(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inProgress[storage.Clean(path)]
	return ok
}

// protectsDir reports whether an in-progress path lies below dir. Such a
// directory may be empty only because its file is about to be written.
func (t *Tracker) protectsDir(dir string) bool {
	prefix := storage.Clean(dir) + "/"
	t.mu.Lock()
	defer t.mu.Unlock()
	for p := range t.inProgress {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Classify decides whether path may be deleted now.
func (t *Tracker) Classify(path string) Protection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.classifyLocked(storage.Clean(path), t.now())
}

func (t *Tracker) classifyLocked(path string, now time.Time) Protection {
	if _, ok := t.inProgress[path]; ok {
		return ProtectedInProgress
	}

	rec, ok := t.byPath[path]
	if !ok {
		// Untracked residue, including leftovers from a previous run.
		return Unprotected
	}

	switch rec.Status {
	case StatusDownloaded:
		if rec.DownloadedAt != nil && now.Sub(*rec.DownloadedAt) > t.policy.GracePeriod(rec.FileType) {
			return Unprotected
		}
	case StatusActive:
		if now.Sub(rec.LastHeartbeatAt) > t.policy.HeartbeatTimeout {
			return Unprotected
		}
	}
	return ProtectedAwaitingDownload
}

// claim classifies path and, when it is unprotected, untracks it in the same
// critical section so no concurrent call can refresh it between the decision
// and the delete. The removed record is returned for restore.
func (t *Tracker) claim(path string) (Protection, *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prot := t.classifyLocked(path, t.now())
	if prot != Unprotected {
		return prot, nil
	}
	rec, ok := t.byPath[path]
	if !ok {
		return prot, nil
	}
	delete(t.byPath, path)
	if t.byTask[rec.TaskID] == path {
		delete(t.byTask, rec.TaskID)
	}
	return prot, rec
}

// restore puts back a claimed record whose file could not be deleted, unless
// the path was registered again in the meantime.
func (t *Tracker) restore(rec *Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byPath[rec.Path]; ok {
		return
	}
	t.byPath[rec.Path] = rec
	if _, ok := t.byTask[rec.TaskID]; !ok && rec.TaskID != "" {
		t.byTask[rec.TaskID] = rec.Path
	}
}

func copyRecord(rec *Record) Record {
	cp := *rec
	if rec.DownloadedAt != nil {
		at := *rec.DownloadedAt
		cp.DownloadedAt = &at
	}
	return cp
}
