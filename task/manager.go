package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"restorapi/config"
	"restorapi/model"
	"restorapi/results"
	"restorapi/storage"
)

var (
	ErrInvalidJob = errors.New("invalid job")
	ErrQueueFull  = errors.New("job queue is full")
)

// Processor turns an uploaded file into a result file. Both are store paths.
type Processor interface {
	Process(ctx context.Context, ft results.FileType, input, output string, inst model.Instance, progress func(percent int)) error
}

type JobRequest struct {
	FileType results.FileType
	ModelKey string
	TaskType string
	Filename string
	Input    io.Reader
}

type job struct {
	id         string
	fileType   results.FileType
	modelKey   string
	uploadPath string
	outputPath string
}

// Manager is the lifecycle coordinator: it owns the job queue and drives every
// job through model acquisition, processing and result registration.
type Manager struct {
	cfg       *config.Config
	tasks     *Registry
	models    *model.Cache
	tracker   *results.Tracker
	store     *storage.Store
	processor Processor

	taskQueue      chan *job
	concurrencySem chan struct{}
	wg             sync.WaitGroup
	resourceCheck  func() error
}

func NewManager(cfg *config.Config, models *model.Cache, tracker *results.Tracker, store *storage.Store, processor Processor) (*Manager, error) {
	if models == nil || tracker == nil || store == nil || processor == nil {
		return nil, fmt.Errorf("task manager requires a model cache, tracker, store and processor")
	}
	m := &Manager{
		cfg:            cfg,
		tasks:          NewRegistry(),
		models:         models,
		tracker:        tracker,
		store:          store,
		processor:      processor,
		taskQueue:      make(chan *job, 100), // Buffered queue
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
	}
	m.resourceCheck = m.checkResources
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	log.Println("Task manager started. Concurrency limit:", m.cfg.MaxConcurrency)
	m.wg.Add(1)
	go m.workerLoop(ctx)
}

// Wait blocks until the worker loop has stopped and every running job has
// finished. Call it after canceling the context passed to Start.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// workerLoop pulls jobs from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			log.Println("Worker loop shutting down.")
			m.drainQueue()
			return
		case j := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.abandon(j, "server is shutting down")
				continue
			}
			m.wg.Add(1)
			go func(j *job) {
				defer m.wg.Done()
				defer func() { <-m.concurrencySem }() // Release slot
				// Running jobs finish even when the server shuts down.
				m.processTask(context.WithoutCancel(ctx), j)
			}(j)
		}
	}
}

func (m *Manager) drainQueue() {
	for {
		select {
		case j := <-m.taskQueue:
			m.abandon(j, "server is shutting down")
		default:
			return
		}
	}
}

// abandon fails a job that never started.
func (m *Manager) abandon(j *job, reason string) {
	m.tracker.ClearInProgress(j.uploadPath)
	m.tracker.ClearInProgress(j.outputPath)
	m.fail(j.id, errors.New(reason))
}

// processTask handles the execution of a single job. Whatever happens, the
// model is released and the job's paths stop being protected as in-progress.
func (m *Manager) processTask(parentCtx context.Context, j *job) {
	ctx := parentCtx
	if m.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parentCtx, m.cfg.FFTimeout)
		defer cancel()
	}

	defer m.tracker.ClearInProgress(j.uploadPath)
	defer m.tracker.ClearInProgress(j.outputPath)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[TASK] Task %s panicked: %v", j.id, r)
			m.fail(j.id, fmt.Errorf("internal error: %v", r))
		}
	}()

	log.Printf("[TASK] Processing task %s with model '%s'", j.id, j.modelKey)
	h, err := m.models.Acquire(ctx, j.modelKey)
	if err != nil {
		m.fail(j.id, err)
		return
	}
	defer h.Release()

	if _, err := m.tasks.Update(j.id, func(t *Task) {
		t.Status = StatusProcessing
		t.Progress = 0
		t.Message = "Model loaded. Starting enhancement."
	}); err != nil {
		log.Printf("[TASK] Task %s could not start: %v", j.id, err)
		return
	}

	if err := m.resourceCheck(); err != nil {
		m.fail(j.id, fmt.Errorf("insufficient system resources: %w", err))
		return
	}

	err = m.processor.Process(ctx, j.fileType, j.uploadPath, j.outputPath, h.Instance(), func(percent int) {
		m.tasks.Update(j.id, func(t *Task) { t.Progress = percent })
	})
	if err != nil {
		if rmErr := m.store.Remove(j.outputPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			log.Printf("[TASK] Could not remove partial output %s: %v", j.outputPath, rmErr)
		}
		m.fail(j.id, err)
		return
	}

	m.tracker.Register(j.outputPath, j.fileType, j.id)
	if _, err := m.tasks.Update(j.id, func(t *Task) {
		t.Status = StatusCompleted
		t.ResultPath = j.outputPath
		t.Message = "Enhancement complete."
	}); err != nil {
		log.Printf("[TASK] Task %s could not be completed: %v", j.id, err)
		return
	}
	log.Printf("[TASK] Task %s completed. Result at: %s", j.id, j.outputPath)
}

func (m *Manager) fail(id string, cause error) {
	log.Printf("[TASK] Task %s failed: %v", id, cause)
	if _, err := m.tasks.Update(id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = cause.Error()
		t.Message = ""
	}); err != nil {
		log.Printf("[TASK] Could not mark task %s failed: %v", id, err)
	}
}

// Submit validates a job, stores its upload and queues it. The returned task
// is pending; a model that does not exist fails the task, not the submission.
func (m *Manager) Submit(req JobRequest) (Task, error) {
	if !req.FileType.Valid() {
		return Task{}, fmt.Errorf("%w: unsupported file type %q", ErrInvalidJob, req.FileType)
	}
	if req.Input == nil {
		return Task{}, fmt.Errorf("%w: no input file", ErrInvalidJob)
	}
	taskType := sanitizeName(req.TaskType)
	if taskType == "" {
		taskType = "denoise"
	}

	id := fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
	name := sanitizeName(req.Filename)
	if name == "" {
		name = "upload"
	}
	dir := path.Join(req.FileType.Root(), taskType)
	j := &job{
		id:         id,
		fileType:   req.FileType,
		modelKey:   req.ModelKey,
		uploadPath: path.Join(dir, "uploads", id+"_"+name),
		outputPath: path.Join(dir, "processed", id+"_"+outputName(name, req.FileType)),
	}

	t, err := m.tasks.Create(id, func(t *Task) {
		t.FileType = req.FileType
		t.ModelKey = req.ModelKey
		t.TaskType = taskType
		t.Message = "Task received and queued."
	})
	if err != nil {
		return Task{}, err
	}

	// Protect both paths before anything is written, so a sweep can never see
	// the upload or a partial result unprotected.
	m.tracker.MarkInProgress(j.uploadPath)
	m.tracker.MarkInProgress(j.outputPath)

	if err := m.saveUpload(j.uploadPath, req.Input); err != nil {
		m.abandon(j, err.Error())
		return Task{}, err
	}

	select {
	case m.taskQueue <- j:
	default:
		m.abandon(j, ErrQueueFull.Error())
		if err := m.store.Remove(j.uploadPath); err != nil {
			log.Printf("[TASK] Warning: could not remove upload of rejected task %s: %v", id, err)
		}
		return Task{}, ErrQueueFull
	}
	log.Printf("[TASK] Task %s submitted to queue.", id)
	return t, nil
}

func (m *Manager) saveUpload(p string, r io.Reader) error {
	limit := m.cfg.MaxInputSize
	if limit > 0 {
		// Use a LimitedReader to enforce max input size
		r = &io.LimitedReader{R: r, N: limit + 1}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return fmt.Errorf("%w: input file size exceeds limit of %d bytes", ErrInvalidJob, limit)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty input file", ErrInvalidJob)
	}
	return m.store.WriteFile(p, data)
}

func (m *Manager) Get(taskID string) (Task, error) {
	return m.tasks.Get(taskID)
}

func (m *Manager) List() []Task {
	return m.tasks.List()
}

// sanitizeName keeps the last path element and replaces anything outside a
// conservative character set.
func sanitizeName(name string) string {
	name = path.Base(storage.Clean(name))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

func outputName(name string, ft results.FileType) string {
	base := strings.TrimSuffix(name, path.Ext(name))
	if ft == results.Video {
		return base + ".mp4"
	}
	return base + ".jpg"
}
