package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/grebe/metrics"
)

// Item statuses, in lifecycle order.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// Input is one uploaded file handed to a batch.
type Input struct {
	Filename string
	Data     []byte
}

// Item tracks the progress of one input through the batch.
type Item struct {
	ID       string  `json:"id"`
	Filename string  `json:"filename"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
	Kind     string  `json:"errorKind,omitempty"`
	Result   *Result `json:"-"`

	// Artifact paths relative to the batch directory, set on completion.
	DepthPath string `json:"depthPath,omitempty"`
	PhotoPath string `json:"photoPath,omitempty"`
}

// Batch is one processing run over a set of uploads. Items fail
// independently; one bad file never aborts its siblings.
type Batch struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Items     []*Item   `json:"items"`

	mu sync.Mutex
}

// Snapshot returns a copy of the item list safe to serialize while the batch
// is running.
func (b *Batch) Snapshot() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Item, len(b.Items))
	for i, it := range b.Items {
		out[i] = *it
	}
	return out
}

// Runner executes batches against a pipeline with a bounded worker pool and
// writes artifacts under artifactDir/<batchID>/.
type Runner struct {
	pipeline    *Pipeline
	artifactDir string
	workers     int

	// OnItem, when set, is called after every item status change. Used to
	// push progress events to connected clients.
	OnItem func(batch *Batch, item *Item)
}

// NewRunner builds a batch runner. workers below 1 is clamped to 1; depth
// inference serializes on the model anyway, so a small pool only overlaps
// decode and encode work.
func NewRunner(p *Pipeline, artifactDir string, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{pipeline: p, artifactDir: artifactDir, workers: workers}
}

// NewBatch registers the inputs as pending items.
func (r *Runner) NewBatch(inputs []Input) *Batch {
	b := &Batch{ID: uuid.NewString(), CreatedAt: time.Now()}
	for _, in := range inputs {
		b.Items = append(b.Items, &Item{
			ID:       uuid.NewString(),
			Filename: in.Filename,
			Status:   StatusPending,
		})
	}
	return b
}

// Run processes every item in the batch. Canceling the context stops new
// items from starting; items already in flight finish and are recorded.
func (r *Runner) Run(ctx context.Context, b *Batch, inputs []Input) {
	dir := filepath.Join(r.artifactDir, b.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Printf("batch %s: create artifact dir: %v", b.ID, err)
		for i := range b.Items {
			r.setFailed(b, b.Items[i], KindEncoding, err)
		}
		return
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				r.runItem(ctx, b, b.Items[i], inputs[i], dir)
			}
		}()
	}

	for i := range b.Items {
		if ctx.Err() != nil {
			r.setCanceled(b, b.Items[i])
			continue
		}
		select {
		case <-ctx.Done():
			r.setCanceled(b, b.Items[i])
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
}

func (r *Runner) runItem(ctx context.Context, b *Batch, it *Item, in Input, dir string) {
	r.setStatus(b, it, StatusRunning)

	res, err := r.pipeline.Process(ctx, in.Filename, in.Data)
	if err != nil {
		kind := Kind(err)
		r.setFailed(b, it, kind, err)
		log.Printf("batch %s: %s: %v", b.ID, in.Filename, err)
		return
	}

	stem := fileStem(in.Filename)
	depthName := stem + "_depth" + res.DepthExt
	photoName := stem + "_3d.jpg"
	if err := os.WriteFile(filepath.Join(dir, depthName), res.DepthMap, 0644); err != nil {
		r.setFailed(b, it, KindEncoding, err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, photoName), res.Photo, 0644); err != nil {
		r.setFailed(b, it, KindEmbedding, err)
		return
	}

	b.mu.Lock()
	it.Status = StatusCompleted
	it.Result = res
	it.DepthPath = depthName
	it.PhotoPath = photoName
	b.mu.Unlock()
	r.notify(b, it)
}

func (r *Runner) setStatus(b *Batch, it *Item, status string) {
	b.mu.Lock()
	it.Status = status
	b.mu.Unlock()
	r.notify(b, it)
}

func (r *Runner) setFailed(b *Batch, it *Item, kind ErrorKind, err error) {
	b.mu.Lock()
	it.Status = StatusFailed
	it.Error = err.Error()
	it.Kind = string(kind)
	b.mu.Unlock()
	metrics.ItemsFailed.WithLabelValues(string(kind)).Inc()
	r.notify(b, it)
}

func (r *Runner) setCanceled(b *Batch, it *Item) {
	b.mu.Lock()
	if it.Status != StatusPending {
		b.mu.Unlock()
		return
	}
	it.Status = StatusCanceled
	b.mu.Unlock()
	r.notify(b, it)
}

func (r *Runner) notify(b *Batch, it *Item) {
	if r.OnItem != nil {
		r.OnItem(b, it)
	}
}

// fileStem strips directories and the extension from an upload name, keeping
// the result filesystem-safe.
func fileStem(name string) string {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, stem)
	if stem == "" {
		stem = fmt.Sprintf("upload_%d", time.Now().UnixNano())
	}
	return stem
}
