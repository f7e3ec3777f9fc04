// Package downloader acquires HLS streams and whole files for offline use.
//
// StreamDownloader fetches one media playlist segment by segment. Manager
// sequences acquisition requests on top of it:
// - An explicit FIFO of pending task ids plus one active slot
// - A scheduler goroutine promotes the queue head when the slot is empty
// - Observers receive a task snapshot on every state or progress change
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opd-ai/go-hls-offline/internal/common"
	"github.com/opd-ai/go-hls-offline/internal/estimate"
	"github.com/opd-ai/go-hls-offline/internal/manifest"
	"github.com/opd-ai/go-hls-offline/internal/storage"
	"github.com/opd-ai/go-hls-offline/internal/transport"
	"github.com/opd-ai/go-hls-offline/pkg/config"
)

// TaskObserver is notified with a snapshot whenever a task changes.
type TaskObserver interface {
	OnTaskUpdate(task Task)
}

// SegmentObserver is an optional extension of TaskObserver that is told
// about every segment written to storage.
type SegmentObserver interface {
	OnSegmentStored(taskID string, index uint32, bytes int)
}

// DefaultFileTimeout bounds a whole-file acquisition.
const DefaultFileTimeout = time.Hour

// errAwaitingQuality parks a task until the caller picks a variant.
var errAwaitingQuality = errors.New("quality selection required")

// Manager is the single-flight acquisition queue.
type Manager struct {
	fetcher   transport.Fetcher
	parser    *manifest.Parser
	streams   *StreamDownloader
	estimator *estimate.Estimator
	storage   *storage.Manager
	cache     *storage.CacheManager
	config    *config.DownloadConfig
	logger    *slog.Logger

	observers []TaskObserver

	tasks  map[string]*Task
	queue  []string
	active *activeSlot
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

type activeSlot struct {
	id              string
	cancel          context.CancelFunc
	cancelRequested bool
}

// QueueStats summarizes the queue for monitoring.
type QueueStats struct {
	Pending         int    `json:"pending"`
	AwaitingQuality int    `json:"awaiting_quality"`
	Errored         int    `json:"errored"`
	Active          bool   `json:"active"`
	ActiveTaskID    string `json:"active_task_id,omitempty"`
}

// New creates an acquisition manager. It does nothing until Start is called.
func New(cfg *config.DownloadConfig, fetcher transport.Fetcher, store *storage.Manager, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	parser := manifest.NewParser(fetcher, logger)
	parser.SetTimeout(cfg.ManifestTimeout)

	return &Manager{
		fetcher:   fetcher,
		parser:    parser,
		streams:   NewStreamDownloader(cfg, fetcher, logger),
		estimator: estimate.New(fetcher, cfg.ProbeTimeout, logger),
		storage:   store,
		config:    cfg,
		logger:    logger,
		tasks:     make(map[string]*Task),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCacheManager enables quota enforcement before each download.
func (m *Manager) SetCacheManager(cache *storage.CacheManager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = cache
}

// AddObserver registers an observer for task updates.
func (m *Manager) AddObserver(o TaskObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Start reloads persisted tasks and launches the scheduler.
// Returns an error if the manager is already running.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("download manager is already running")
	}

	records, err := m.storage.ListTasks()
	if err != nil {
		return fmt.Errorf("failed to load persisted tasks: %w", err)
	}
	for _, r := range records {
		if _, ok := m.tasks[r.ID]; ok {
			continue
		}
		t := taskFromRecord(r)
		m.tasks[t.ID] = t
		if t.Status == StatusPending {
			m.queue = append(m.queue, t.ID)
		}
	}

	m.ctx, m.cancel = context.WithCancel(ctx)

	m.logger.Info("Starting download manager",
		"restored_tasks", len(records),
		"queued", len(m.queue),
		"rate_limit_mbps", m.config.RateLimitMbps)

	m.wg.Add(1)
	go m.scheduler()

	m.running = true
	m.signal()
	return nil
}

// Stop cancels the active download and waits for the scheduler to exit.
// An interrupted task stays pending and resumes on the next Start.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.logger.Info("Stopping download manager")
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()

	m.logger.Info("Download manager stopped")
	return nil
}

// Enqueue validates a request and appends a pending task to the queue.
func (m *Manager) Enqueue(req Request) (*Task, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("request URL is required")
	}
	if req.MediaID == "" && req.EpisodeID == "" {
		return nil, fmt.Errorf("request must name a media or episode id")
	}
	if req.MediaID == "" {
		req.MediaID = req.EpisodeID
	}
	if req.EpisodeID == "" {
		req.EpisodeID = req.MediaID
	}
	if req.TrustHeader == "" {
		req.TrustHeader = m.config.TrustHeader
	}
	switch req.Kind {
	case KindAuto:
		req.Kind = DetectKind(req.URL)
	case KindHLS, KindFile:
	default:
		return nil, fmt.Errorf("unknown acquisition kind %q", req.Kind)
	}

	now := time.Now()
	task := &Task{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	for _, existing := range m.tasks {
		if existing.EpisodeID == req.EpisodeID && existing.Status != StatusError {
			m.mu.Unlock()
			return nil, fmt.Errorf("episode %s is already queued as task %s", req.EpisodeID, existing.ID)
		}
	}
	m.tasks[task.ID] = task
	m.queue = append(m.queue, task.ID)
	snapshot := task.clone()
	m.mu.Unlock()

	m.persist(&snapshot)
	m.notify(snapshot)
	m.signal()

	m.logger.Info("Queued acquisition",
		"task_id", task.ID,
		"episode_id", req.EpisodeID,
		"url", req.URL)

	return &snapshot, nil
}

// SelectQuality resolves a task waiting on a variant choice and re-queues it.
func (m *Manager) SelectQuality(id, label string) (*Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, common.NewError(common.CodeNotFound, "", fmt.Sprintf("task %s not found", id), nil)
	}
	if task.Status != StatusAwaitingQuality {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s is %s, not awaiting a quality", id, task.Status)
	}

	var selected *manifest.QualityVariant
	for i := range task.AvailableQualities {
		if task.AvailableQualities[i].Label == label {
			q := task.AvailableQualities[i]
			selected = &q
			break
		}
	}
	if selected == nil {
		m.mu.Unlock()
		return nil, common.NewError(common.CodeQualityUnavailable, task.URL,
			fmt.Sprintf("quality %q is not offered", label), nil)
	}

	task.SelectedQuality = selected
	task.Status = StatusPending
	task.UpdatedAt = time.Now()
	m.queue = append(m.queue, id)
	snapshot := task.clone()
	m.mu.Unlock()

	m.persist(&snapshot)
	m.notify(snapshot)
	m.signal()
	return &snapshot, nil
}

// Retry re-queues a failed task with its counters reset. A previously chosen
// quality is kept.
func (m *Manager) Retry(id string) (*Task, error) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, common.NewError(common.CodeNotFound, "", fmt.Sprintf("task %s not found", id), nil)
	}
	if task.Status != StatusError {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s is %s, only failed tasks can be retried", id, task.Status)
	}

	task.resetCounters()
	task.Status = StatusPending
	task.UpdatedAt = time.Now()
	m.queue = append(m.queue, id)
	snapshot := task.clone()
	m.mu.Unlock()

	m.persist(&snapshot)
	m.notify(snapshot)
	m.signal()
	return &snapshot, nil
}

// Cancel removes a task. For the active task the in-flight download is
// aborted and the task is dropped once it unwinds.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	if m.active != nil && m.active.id == id {
		m.active.cancelRequested = true
		m.active.cancel()
		m.mu.Unlock()
		m.logger.Info("Cancelling active acquisition", "task_id", id)
		return nil
	}

	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return common.NewError(common.CodeNotFound, "", fmt.Sprintf("task %s not found", id), nil)
	}
	delete(m.tasks, id)
	m.removeFromQueue(id)
	task.Status = StatusCancelled
	task.UpdatedAt = time.Now()
	snapshot := task.clone()
	m.mu.Unlock()

	m.forget(id)
	m.notify(snapshot)
	m.logger.Info("Cancelled queued acquisition", "task_id", id)
	return nil
}

// Task returns a snapshot of one task.
func (m *Manager) Task(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns snapshots of every known task in creation order.
func (m *Manager) Tasks() []Task {
	m.mu.RLock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.clone())
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IsActiveEpisode reports whether an episode belongs to a task that is
// queued or downloading. Such episodes must not be evicted.
func (m *Manager) IsActiveEpisode(episodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tasks {
		if t.EpisodeID == episodeID && !t.Status.IsFinished() {
			return true
		}
	}
	return false
}

// GetQueueStats returns current queue statistics for monitoring.
func (m *Manager) GetQueueStats() QueueStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats QueueStats
	for _, t := range m.tasks {
		if m.active != nil && m.active.id == t.ID {
			continue
		}
		switch t.Status {
		case StatusPending:
			stats.Pending++
		case StatusAwaitingQuality:
			stats.AwaitingQuality++
		case StatusError:
			stats.Errored++
		}
	}
	if m.active != nil {
		stats.Active = true
		stats.ActiveTaskID = m.active.id
	}
	return stats
}

// scheduler promotes the queue head whenever the active slot is empty.
func (m *Manager) scheduler() {
	defer m.wg.Done()

	for {
		ctx, task, ok := m.promote()
		if ok {
			m.run(ctx, task)
			continue
		}

		select {
		case <-m.ctx.Done():
			m.logger.Debug("Scheduler shutting down")
			return
		case <-m.wake:
		}
	}
}

// promote moves the next pending task into the active slot. The task stays
// pending until acquisition knows what it is downloading.
func (m *Manager) promote() (context.Context, Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil || m.active != nil {
		return nil, Task{}, false
	}

	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		task, ok := m.tasks[id]
		if !ok || task.Status != StatusPending {
			continue
		}

		ctx, cancel := context.WithCancel(m.ctx)
		m.active = &activeSlot{id: id, cancel: cancel}
		return ctx, task.clone(), true
	}
	return nil, Task{}, false
}

func (m *Manager) run(ctx context.Context, task Task) {
	m.logger.Info("Starting acquisition",
		"task_id", task.ID,
		"episode_id", task.EpisodeID,
		"kind", task.kind())

	var err error
	if task.kind() == KindFile {
		err = m.acquireFile(ctx, &task)
	} else {
		err = m.acquireStream(ctx, &task)
	}
	m.finish(task.ID, err)
}

// finish releases the active slot and applies the terminal transition.
func (m *Manager) finish(id string, err error) {
	m.mu.Lock()
	slot := m.active
	m.active = nil
	slot.cancel()

	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		m.signal()
		return
	}
	task.UpdatedAt = time.Now()

	var remove bool
	switch {
	case err == nil:
		task.Status = StatusCompleted
		task.ProgressPercent = 100
		task.LastError = ""
		remove = true
	case errors.Is(err, errAwaitingQuality):
		task.Status = StatusAwaitingQuality
	case slot.cancelRequested:
		task.Status = StatusCancelled
		remove = true
	case m.ctx.Err() != nil:
		// Shutdown: keep the task at the head of the queue for the next Start.
		task.Status = StatusPending
		m.queue = append([]string{id}, m.queue...)
	default:
		task.Status = StatusError
		task.LastError = err.Error()
	}

	if remove {
		delete(m.tasks, id)
	}
	snapshot := task.clone()
	m.mu.Unlock()

	switch snapshot.Status {
	case StatusCompleted:
		m.logger.Info("Acquisition completed",
			"task_id", id,
			"episode_id", snapshot.EpisodeID,
			"bytes", snapshot.BytesDownloaded)
	case StatusCancelled:
		m.logger.Info("Acquisition cancelled", "task_id", id)
	case StatusAwaitingQuality:
		m.logger.Info("Acquisition awaiting quality selection",
			"task_id", id,
			"qualities", len(snapshot.AvailableQualities))
	case StatusPending:
		m.logger.Info("Acquisition interrupted by shutdown", "task_id", id)
	default:
		m.logger.Error("Acquisition failed",
			"task_id", id,
			"episode_id", snapshot.EpisodeID,
			"error", err)
	}

	if remove {
		m.forget(id)
	} else {
		m.persist(&snapshot)
	}
	if snapshot.Status != StatusPending {
		m.notify(snapshot)
	}
	m.signal()
}

// update applies fn to the live task and broadcasts the result.
func (m *Manager) update(id string, fn func(t *Task)) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	fn(task)
	task.UpdatedAt = time.Now()
	snapshot := task.clone()
	m.mu.Unlock()

	m.notify(snapshot)
}

func (m *Manager) removeFromQueue(id string) {
	for i, queued := range m.queue {
		if queued == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) notify(task Task) {
	m.mu.RLock()
	observers := append([]TaskObserver(nil), m.observers...)
	m.mu.RUnlock()

	for _, o := range observers {
		o.OnTaskUpdate(task)
	}
}

func (m *Manager) notifySegment(taskID string, index uint32, size int) {
	m.mu.RLock()
	observers := append([]TaskObserver(nil), m.observers...)
	m.mu.RUnlock()

	for _, o := range observers {
		if so, ok := o.(SegmentObserver); ok {
			so.OnSegmentStored(taskID, index, size)
		}
	}
}

func (m *Manager) persist(task *Task) {
	if err := m.storage.PutTask(task.toRecord()); err != nil {
		m.logger.Error("Failed to persist task",
			"task_id", task.ID,
			"error", err)
	}
}

func (m *Manager) forget(id string) {
	if err := m.storage.DeleteTask(id); err != nil {
		m.logger.Error("Failed to remove persisted task",
			"task_id", id,
			"error", err)
	}
}
