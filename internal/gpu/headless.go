package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFrameState is returned for frame calls made in the wrong order.
var ErrFrameState = errors.New("gpu: invalid frame state")

// HeadlessOptions configures a Headless device.
type HeadlessOptions struct {
	Width  uint32
	Height uint32

	// Latency is how long the simulated GPU takes to retire each submission.
	Latency time.Duration

	Logger *slog.Logger

	// OnSentinel, if set, runs on the render thread after each sentinel
	// has retired and before SubmitSentinelAndWait returns.
	OnSentinel func()
	// FailCreate, if set, is consulted before each texture creation; a
	// non-nil result is returned from CreateSharedTexture.
	FailCreate func(TextureDescriptor) error
}

// HeadlessStats is a point-in-time view of a Headless device.
type HeadlessStats struct {
	Frames    uint64
	Sentinels uint64
	Submitted uint64
	Retired   uint64

	LiveTextures int
	// DoubleFrees counts Destroy calls on an already destroyed texture.
	DoubleFrees int
	// InFlightDestroys counts textures freed while a submission that
	// referenced them had not yet retired. Destroy defers the free past
	// the texture's last fence, so this stays zero unless that breaks.
	InFlightDestroys int
	// DeferredFrees counts Destroy calls whose free waited on a fence.
	DeferredFrees uint64
	// PendingFrees is the number of destroyed textures not yet freed.
	PendingFrees int

	Width   uint32
	Height  uint32
	InFrame bool
}

type submission struct {
	seq   uint64
	fence chan struct{}
}

// Headless is a Device with no real GPU behind it. Submitted frames are
// retired in order by a background goroutine standing in for the GPU queue,
// so completion is asynchronous exactly as with real hardware.
type Headless struct {
	opts   HeadlessOptions
	logger *slog.Logger

	submit  chan *submission
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// submitMu orders enqueue against Close so no submission lands in
	// the queue after the process goroutine has exited.
	submitMu sync.Mutex
	closed   atomic.Bool

	submitted atomic.Uint64
	retired   atomic.Uint64

	mu               sync.Mutex
	inFrame          bool
	updateDepth      int
	width, height    uint32
	frames           uint64
	sentinels        uint64
	doubleFrees      int
	inFlightDestroys int
	deferredFrees    uint64
	live             map[*headlessTexture]struct{}
	pending          []*headlessTexture
}

// NewHeadless starts a headless device. Close stops it.
func NewHeadless(opts HeadlessOptions) *Headless {
	d := &Headless{
		opts:    opts,
		logger:  opts.Logger,
		submit:  make(chan *submission, 64),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		width:   opts.Width,
		height:  opts.Height,
		live:    make(map[*headlessTexture]struct{}),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	go d.process()
	return d
}

func (d *Headless) process() {
	defer close(d.stopped)
	for {
		select {
		case s := <-d.submit:
			d.retire(s)
		case <-d.stop:
			for {
				select {
				case s := <-d.submit:
					d.retire(s)
				default:
					return
				}
			}
		}
	}
}

func (d *Headless) retire(s *submission) {
	if d.opts.Latency > 0 {
		time.Sleep(d.opts.Latency)
	}
	d.retired.Store(s.seq)
	d.mu.Lock()
	d.freeRetiredLocked(s.seq)
	d.mu.Unlock()
	close(s.fence)
}

// freeRetiredLocked frees pending textures whose last use is at or
// before seq.
func (d *Headless) freeRetiredLocked(seq uint64) {
	kept := d.pending[:0]
	for _, t := range d.pending {
		if t.lastUse <= seq {
			d.freeLocked(t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(d.pending); i++ {
		d.pending[i] = nil
	}
	d.pending = kept
}

// freeLocked releases the native storage of t.
func (d *Headless) freeLocked(t *headlessTexture) {
	if retired := d.retired.Load(); t.lastUse > retired {
		d.inFlightDestroys++
		d.logger.Warn("headless texture freed while in flight",
			slog.String("label", t.desc.Label),
			slog.Uint64("last_use", t.lastUse),
			slog.Uint64("retired", retired))
	}
	t.freed = true
}

// enqueue hands a submission to the GPU queue. Sequence numbers are
// taken under submitMu, so they reach the queue in order.
func (d *Headless) enqueue() (*submission, error) {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	s := &submission{seq: d.submitted.Add(1), fence: make(chan struct{})}
	// stop cannot close while submitMu is held, and process keeps
	// draining until it does, so the send always completes
	d.submit <- s
	return s, nil
}

func (d *Headless) BeginFrame() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFrame {
		return fmt.Errorf("%w: BeginFrame while a frame is recording", ErrFrameState)
	}
	d.inFrame = true
	return nil
}

func (d *Headless) EndFrame() error {
	d.mu.Lock()
	if !d.inFrame {
		d.mu.Unlock()
		return fmt.Errorf("%w: EndFrame without BeginFrame", ErrFrameState)
	}
	d.inFrame = false
	d.mu.Unlock()

	s, err := d.enqueue()
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames++
	// anything alive may have been sampled by this frame
	for t := range d.live {
		t.lastUse = s.seq
	}
	return nil
}

func (d *Headless) BeginUpdate() {
	d.mu.Lock()
	d.updateDepth++
	d.mu.Unlock()
}

func (d *Headless) EndUpdate() {
	d.mu.Lock()
	if d.updateDepth > 0 {
		d.updateDepth--
	}
	d.mu.Unlock()
}

func (d *Headless) SubmitSentinelAndWait(ctx context.Context) error {
	s, err := d.enqueue()
	if err != nil {
		return err
	}
	select {
	case <-s.fence:
	case <-ctx.Done():
		return fmt.Errorf("gpu: waiting for sentinel %d: %w", s.seq, ctx.Err())
	}
	d.mu.Lock()
	d.sentinels++
	d.mu.Unlock()
	if d.opts.OnSentinel != nil {
		d.opts.OnSentinel()
	}
	return nil
}

func (d *Headless) CreateSharedTexture(desc TextureDescriptor) (NativeHandle, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if d.opts.FailCreate != nil {
		if err := d.opts.FailCreate(desc); err != nil {
			return nil, err
		}
	}
	t := &headlessTexture{dev: d, desc: desc}
	d.mu.Lock()
	d.live[t] = struct{}{}
	d.mu.Unlock()
	return t, nil
}

func (d *Headless) UpdateSize(width, height uint32) error {
	if width == 0 || height == 0 {
		return fmt.Errorf("gpu: invalid size %dx%d", width, height)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFrame {
		return fmt.Errorf("%w: UpdateSize during a frame", ErrFrameState)
	}
	d.width, d.height = width, height
	return nil
}

// Stats returns a snapshot. It may be called from any goroutine.
func (d *Headless) Stats() HeadlessStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return HeadlessStats{
		Frames:           d.frames,
		Sentinels:        d.sentinels,
		Submitted:        d.submitted.Load(),
		Retired:          d.retired.Load(),
		LiveTextures:     len(d.live),
		DoubleFrees:      d.doubleFrees,
		InFlightDestroys: d.inFlightDestroys,
		DeferredFrees:    d.deferredFrees,
		PendingFrees:     len(d.pending),
		Width:            d.width,
		Height:           d.height,
		InFrame:          d.inFrame,
	}
}

// Close retires outstanding work, frees any textures still waiting on a
// fence, and stops the GPU queue goroutine.
func (d *Headless) Close() error {
	d.once.Do(func() {
		d.submitMu.Lock()
		d.closed.Store(true)
		close(d.stop)
		d.submitMu.Unlock()
	})
	<-d.stopped
	d.mu.Lock()
	d.freeRetiredLocked(d.retired.Load())
	d.mu.Unlock()
	return nil
}

type headlessTexture struct {
	dev       *Headless
	desc      TextureDescriptor
	lastUse   uint64
	destroyed bool
	freed     bool
}

func (t *headlessTexture) Descriptor() TextureDescriptor { return t.desc }

func (t *headlessTexture) Destroy() {
	d := t.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.destroyed {
		d.doubleFrees++
		d.logger.Error("headless texture destroyed twice", slog.String("label", t.desc.Label))
		return
	}
	t.destroyed = true
	delete(d.live, t)
	if t.lastUse > d.retired.Load() {
		// a submitted frame may still sample it; free once that retires
		d.deferredFrees++
		d.pending = append(d.pending, t)
		return
	}
	d.freeLocked(t)
}
