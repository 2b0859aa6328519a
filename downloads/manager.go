package downloads

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stevecastle/grebe/stream"
)

// ComponentDownload describes one installable component: a stable ID,
// a display name, and the function that fetches it.
type ComponentDownload struct {
	ID         string
	Name       string
	DownloadFn func(context.Context, ProgressCallback) error
}

// Manager runs component installs and aggregates their progress for the
// status endpoint and the SSE stream.
type Manager struct {
	mu         sync.Mutex
	progress   map[string]*Progress
	cancels    map[string]context.CancelFunc
	installing bool
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		progress: make(map[string]*Progress),
		cancels:  make(map[string]context.CancelFunc),
	}
}

var defaultManager = NewManager()

// Default returns the process-wide Manager the server routes use.
func Default() *Manager {
	return defaultManager
}

// InstallAll downloads every component concurrently and blocks until
// all of them settle. Progress snapshots go out over the event stream
// as each component advances.
func (m *Manager) InstallAll(ctx context.Context, components []ComponentDownload) error {
	m.mu.Lock()
	m.installing = true
	for _, c := range components {
		m.progress[c.ID] = &Progress{
			ComponentID:   c.ID,
			ComponentName: c.Name,
			Status:        StatusPending,
		}
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.installing = false
		m.mu.Unlock()
		m.publish()
	}()

	m.publish()

	var wg sync.WaitGroup
	errCh := make(chan error, len(components))
	for _, c := range components {
		wg.Add(1)
		go func(c ComponentDownload) {
			defer wg.Done()
			if err := m.install(ctx, c); err != nil {
				errCh <- fmt.Errorf("%s: %w", c.ID, err)
			}
		}(c)
	}
	wg.Wait()
	close(errCh)

	var failed int
	for range errCh {
		failed++
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d components failed to install", failed, len(components))
	}
	return nil
}

// install runs one component download under a cancellable context and
// translates its outcome into a terminal progress state.
func (m *Manager) install(ctx context.Context, c ComponentDownload) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[c.ID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, c.ID)
		m.mu.Unlock()
		cancel()
	}()

	report := func(p Progress) {
		p.ComponentID = c.ID
		p.ComponentName = c.Name
		m.mu.Lock()
		m.progress[c.ID] = &p
		m.mu.Unlock()
		m.publish()
	}

	report(Progress{Status: StatusDownloading, Message: "Starting download..."})

	err := c.DownloadFn(ctx, report)
	switch {
	case err == nil:
		report(Progress{Status: StatusComplete, Message: "Installation complete", Percent: 100})
		return nil
	case ctx.Err() == context.Canceled:
		report(Progress{Status: StatusCancelled, Message: "Download cancelled"})
		return err
	default:
		report(Progress{Status: StatusError, Error: err.Error(), Message: "Download failed"})
		return err
	}
}

// CancelAll aborts every in-flight component download.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
}

// IsInstalling reports whether an InstallAll run is in progress.
func (m *Manager) IsInstalling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installing
}

// GetProgress returns a snapshot of every component's progress with
// components in a stable order.
func (m *Manager) GetProgress() OverallProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := OverallProgress{
		Components: make([]Progress, 0, len(m.progress)),
		Installing: m.installing,
	}
	var totalPercent float64
	for _, p := range m.progress {
		overall.Components = append(overall.Components, *p)
		overall.TotalComponents++
		if p.Status == StatusComplete {
			overall.CompletedCount++
		}
		totalPercent += p.Percent
	}
	sort.Slice(overall.Components, func(i, j int) bool {
		return overall.Components[i].ComponentID < overall.Components[j].ComponentID
	})
	if overall.TotalComponents > 0 {
		overall.OverallPercent = totalPercent / float64(overall.TotalComponents)
	}
	return overall
}

// publish pushes the current snapshot to connected browsers.
func (m *Manager) publish() {
	stream.PublishDownloadProgress(m.GetProgress())
}

// SpeedTracker derives a smoothed bytes-per-second figure from the
// cumulative byte counts a download reports.
type SpeedTracker struct {
	mu        sync.Mutex
	lastBytes int64
	lastTime  time.Time
	window    []int64
}

const speedWindowSize = 10

// NewSpeedTracker starts a tracker at the current time.
func NewSpeedTracker() *SpeedTracker {
	return &SpeedTracker{lastTime: time.Now()}
}

// Update records the new cumulative byte count and returns the average
// speed over the recent window.
func (s *SpeedTracker) Update(totalBytes int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.1 {
		// Too soon for a stable sample; report the running average.
		return s.average()
	}

	speed := int64(float64(totalBytes-s.lastBytes) / elapsed)
	s.lastBytes = totalBytes
	s.lastTime = now

	s.window = append(s.window, speed)
	if len(s.window) > speedWindowSize {
		s.window = s.window[1:]
	}
	return s.average()
}

func (s *SpeedTracker) average() int64 {
	if len(s.window) == 0 {
		return 0
	}
	var sum int64
	for _, v := range s.window {
		sum += v
	}
	return sum / int64(len(s.window))
}
