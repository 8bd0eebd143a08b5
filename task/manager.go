package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mediatask/config"

	"github.com/lithammer/shortuuid/v4"
)

// Entry is a task held by the manager.
type Entry struct {
	ID        string
	Task      Task
	CreatedAt time.Time

	done     chan struct{}
	doneOnce sync.Once
	started  atomic.Bool
	removed  atomic.Bool
}

func (e *Entry) finish() {
	e.doneOnce.Do(func() { close(e.done) })
}

// Done is closed once the entry's task can no longer be running.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// View is the JSON shape of an entry.
type View struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Paused    bool      `json:"paused"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	TaskDir   string    `json:"taskDir"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e *Entry) View() View {
	return View{
		ID:        e.ID,
		Type:      e.Task.Kind(),
		Name:      e.Task.Name(),
		State:     e.Task.State(),
		Paused:    e.Task.IsPaused(),
		Progress:  e.Task.Progress(),
		Error:     e.Task.Err(),
		TaskDir:   e.Task.TaskDir(),
		CreatedAt: e.CreatedAt,
	}
}

// Manager is the host-side executor: it owns tasks, queues them and runs
// up to MaxConcurrency of them at once.
type Manager struct {
	cfg            *config.Config
	engine         *Engine
	tasks          sync.Map
	taskQueue      chan *Entry
	concurrencySem chan struct{}
	workersWG      sync.WaitGroup
}

func NewManager(cfg *config.Config, engine *Engine) (*Manager, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("invalid max concurrency %d: must be at least 1", cfg.MaxConcurrency)
	}
	m := &Manager{
		cfg:            cfg,
		engine:         engine,
		taskQueue:      make(chan *Entry, 100),
		concurrencySem: make(chan struct{}, cfg.MaxConcurrency),
	}
	return m, nil
}

func (m *Manager) Start(ctx context.Context) {
	m.engine.Logger.Info().Int("concurrency", m.cfg.MaxConcurrency).Msg("task manager started")
	go m.workerLoop(ctx)
}

// workerLoop pulls tasks from the queue and processes them
func (m *Manager) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.engine.Logger.Info().Msg("worker loop shutting down")
			return
		case e := <-m.taskQueue:
			// Wait for a free processing slot
			select {
			case m.concurrencySem <- struct{}{}:
			case <-ctx.Done():
				m.engine.Logger.Info().Msg("worker loop shutting down")
				return
			}
			m.workersWG.Add(1)
			go func(e *Entry) {
				defer m.workersWG.Done()
				defer func() { <-m.concurrencySem }()
				m.processTask(ctx, e)
			}(e)
		}
	}
}

func (m *Manager) processTask(ctx context.Context, e *Entry) {
	defer e.finish()

	e.started.Store(true)
	if e.removed.Load() {
		return
	}
	if e.Task.State() == StateCancelled {
		m.engine.Logger.Info().Str("id", e.ID).Msg("task was cancelled before processing")
	}
	if err := e.Task.Run(ctx); err != nil && !errors.Is(err, ErrAlreadyRan) {
		m.engine.Logger.Warn().Err(err).Str("id", e.ID).Msg("task finished with error")
	}
	if e.removed.Load() {
		return
	}
	if _, err := e.Task.Save(""); err != nil {
		m.engine.Logger.Warn().Err(err).Str("id", e.ID).Msg("could not save task record")
	}
}

func (m *Manager) add(t Task) *Entry {
	e := &Entry{
		ID:        shortuuid.New(),
		Task:      t,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.tasks.Store(e.ID, e)
	return e
}

func (m *Manager) enqueue(ctx context.Context, e *Entry) error {
	select {
	case m.taskQueue <- e:
		m.engine.Logger.Info().Str("id", e.ID).Str("task", e.Task.Name()).Msg("task submitted to queue")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a task from a config record and queues it.
func (m *Manager) Submit(ctx context.Context, data []byte) (*Entry, error) {
	t, err := CreateTask(ctx, m.engine, data)
	if err != nil {
		return nil, err
	}
	e := m.add(t)
	if t.State().Terminal() {
		e.finish()
		return e, nil
	}
	if err := m.enqueue(ctx, e); err != nil {
		m.tasks.Delete(e.ID)
		return nil, err
	}
	return e, nil
}

// LoadFromDisk rehydrates every record found under the cache directory.
// Unfinished tasks are queued again; records that fail to load are
// skipped.
func (m *Manager) LoadFromDisk(ctx context.Context) (int, error) {
	paths, err := filepath.Glob(filepath.Join(m.engine.CacheDir, "*", RecordFile))
	if err != nil {
		return 0, fmt.Errorf("scan cache dir: %w", err)
	}
	sort.Strings(paths)

	loaded := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			m.engine.Logger.Warn().Err(err).Str("path", path).Msg("cannot read task record")
			continue
		}
		t, err := CreateTask(ctx, m.engine, data)
		if err != nil {
			m.engine.Logger.Warn().Err(err).Str("path", path).Msg("skipping task record")
			continue
		}
		e := m.add(t)
		loaded++
		if t.State().Terminal() {
			e.finish()
			continue
		}
		if err := m.enqueue(ctx, e); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

func (m *Manager) Get(taskID string) (*Entry, bool) {
	if val, ok := m.tasks.Load(taskID); ok {
		return val.(*Entry), true
	}
	return nil, false
}

// List returns all entries, oldest first.
func (m *Manager) List() []*Entry {
	var entries []*Entry
	m.tasks.Range(func(key, value interface{}) bool {
		entries = append(entries, value.(*Entry))
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

func (m *Manager) lookup(taskID string) (*Entry, error) {
	e, ok := m.Get(taskID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e, nil
}

func (m *Manager) Pause(taskID string) error {
	e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	return e.Task.Pause()
}

func (m *Manager) Resume(taskID string) error {
	e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	return e.Task.Resume()
}

func (m *Manager) Cancel(taskID string) error {
	e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	if err := e.Task.Cancel(); err != nil {
		return fmt.Errorf("cannot cancel task in state %s: %w", e.Task.State(), err)
	}
	return nil
}

// Save writes the task's record into its directory.
func (m *Manager) Save(taskID string) (string, error) {
	e, err := m.lookup(taskID)
	if err != nil {
		return "", err
	}
	return e.Task.Save("")
}

// Remove cancels the task, waits for its worker and forgets it. With purge
// the task directory is deleted as well.
func (m *Manager) Remove(ctx context.Context, taskID string, purge bool) error {
	e, err := m.lookup(taskID)
	if err != nil {
		return err
	}
	e.removed.Store(true)
	if err := e.Task.Cancel(); err != nil && !errors.Is(err, ErrTerminal) {
		return err
	}

	// A task cancelled while still queued has no worker to wait for.
	if !e.started.Load() && e.Task.State() == StateCancelled {
		e.finish()
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.tasks.Delete(taskID)
	if purge && e.Task.TaskDir() != "" {
		if err := os.RemoveAll(e.Task.TaskDir()); err != nil {
			return fmt.Errorf("remove task dir: %w", err)
		}
	}
	m.engine.Logger.Info().Str("id", taskID).Bool("purge", purge).Msg("task removed")
	return nil
}

// WaitAll blocks until all in-flight task workers finish or the context is done.
// Returns true if all workers finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
