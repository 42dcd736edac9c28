// Package frame drives the device through frame boundaries and runs the
// deferred work that may only happen at those boundaries.
package frame

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/framesync/internal/actionqueue"
	"github.com/joeycumines/framesync/internal/affinity"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/telemetry"
)

// DefaultExportWaitTimeout bounds the GPU wait of an export frame.
const DefaultExportWaitTimeout = 5 * time.Second

// ErrExportModeLeaked is reported by Close when an export was never ended.
var ErrExportModeLeaked = errors.New("frame: export mode still active at shutdown")

// UnbalancedFrameError is reported by Close when StartFrame and FinishFrame
// calls did not pair up.
type UnbalancedFrameError struct {
	// Active is set when a frame was still open at Close.
	Active bool
	// UnmatchedFinishes counts FinishFrame calls made with no open frame.
	UnmatchedFinishes uint64
}

func (e *UnbalancedFrameError) Error() string {
	return fmt.Sprintf("frame: unbalanced frame calls (frame open at close: %t, unmatched finishes: %d)", e.Active, e.UnmatchedFinishes)
}

// State is the frame state of a Controller.
type State int32

const (
	Idle State = iota
	FrameActive
)

func (s State) String() string {
	if s == FrameActive {
		return "active"
	}
	return "idle"
}

// Stats summarizes a Controller's activity.
type Stats struct {
	Frames             uint64
	RedundantStarts    uint64
	RedundantFinishes  uint64
	ExportWaits        uint64
	ExportWaitFailures uint64
	LastFrame          time.Duration
	LastExportWait     time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithOwner binds StartFrame, FinishFrame and Close to the owner's goroutine.
func WithOwner(o *affinity.Owner) Option {
	return func(c *Controller) { c.owner = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithExportBarrier shares an existing barrier instead of a private one.
func WithExportBarrier(b *ExportBarrier) Option {
	return func(c *Controller) {
		if b != nil {
			c.export = b
		}
	}
}

// WithExportWaitTimeout bounds each export-frame GPU wait.
func WithExportWaitTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.exportWaitTimeout = d
		}
	}
}

// Controller owns the frame state machine. Apart from State, Stats and
// Export, its methods must run on the render thread.
type Controller struct {
	device            gpu.Device
	updates           *actionqueue.Queue
	removals          *actionqueue.Queue
	export            *ExportBarrier
	owner             *affinity.Owner
	logger            *slog.Logger
	metrics           *telemetry.Metrics
	exportWaitTimeout time.Duration

	state      atomic.Int32
	frameStart time.Time

	mu    sync.Mutex
	stats Stats
}

// NewController returns an idle controller. A nil device makes every frame
// call a no-op, which is the state of a host before its device exists.
func NewController(device gpu.Device, updates, removals *actionqueue.Queue, opts ...Option) *Controller {
	c := &Controller{
		device:            device,
		updates:           updates,
		removals:          removals,
		export:            new(ExportBarrier),
		logger:            slog.Default(),
		exportWaitTimeout: DefaultExportWaitTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current frame state. It may be read from any goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// Export returns the controller's export barrier.
func (c *Controller) Export() *ExportBarrier { return c.export }

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StartFrame opens a frame: Device.BeginFrame, then Device.BeginUpdate.
// Calling it with a frame already open does nothing but count the call.
// Without a device it does nothing at all.
func (c *Controller) StartFrame() error {
	c.owner.Assert("StartFrame")
	if c.device == nil {
		return nil
	}
	if c.State() == FrameActive {
		c.mu.Lock()
		c.stats.RedundantStarts++
		c.mu.Unlock()
		c.metrics.RedundantCall("start")
		c.logger.Debug("redundant StartFrame")
		return nil
	}
	if err := c.device.BeginFrame(); err != nil {
		c.logger.Error("begin frame failed", slog.Any("error", err))
		return fmt.Errorf("frame: begin: %w", err)
	}
	c.device.BeginUpdate()
	c.frameStart = time.Now()
	c.state.Store(int32(FrameActive))
	return nil
}

// FinishFrame closes the open frame. In order it ends the device update
// scope, runs the queued updates, submits the frame, waits for the GPU if an
// export is in progress, and runs the queued removals.
//
// If the export wait fails the removals stay queued for the next frame. The
// frame is closed regardless, and every error encountered is returned.
// Calling it with no open frame does nothing but count the call.
func (c *Controller) FinishFrame() error {
	c.owner.Assert("FinishFrame")
	if c.device == nil {
		return nil
	}
	if c.State() != FrameActive {
		c.mu.Lock()
		c.stats.RedundantFinishes++
		c.mu.Unlock()
		c.metrics.RedundantCall("finish")
		c.logger.Debug("redundant FinishFrame")
		return nil
	}

	var errs []error
	c.device.EndUpdate()
	if _, err := c.updates.DrainAndExecuteAll(); err != nil {
		errs = append(errs, err)
	}
	if err := c.device.EndFrame(); err != nil {
		c.logger.Error("end frame failed", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("frame: end: %w", err))
	}

	retired := true
	if c.export.Active() {
		if err := c.waitForGPU(); err != nil {
			retired = false
			errs = append(errs, err)
		}
	}
	if retired {
		if _, err := c.removals.DrainAndExecuteAll(); err != nil {
			errs = append(errs, err)
		}
	} else {
		c.logger.Warn("GPU completion unproven, removals deferred", slog.Int("pending", c.removals.Len()))
	}

	c.state.Store(int32(Idle))
	d := time.Since(c.frameStart)
	c.mu.Lock()
	c.stats.Frames++
	c.stats.LastFrame = d
	frames := c.stats.Frames
	c.mu.Unlock()
	c.metrics.FrameFinished()

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Warn("frame finished with errors", slog.Uint64("frame", frames), slog.Any("error", err))
	}
	return err
}

func (c *Controller) waitForGPU() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.exportWaitTimeout)
	defer cancel()

	start := time.Now()
	err := c.device.SubmitSentinelAndWait(ctx)
	d := time.Since(start)

	c.mu.Lock()
	c.stats.ExportWaits++
	c.stats.LastExportWait = d
	if err != nil {
		c.stats.ExportWaitFailures++
	}
	c.mu.Unlock()
	c.metrics.ExportWaited(d)

	if err != nil {
		c.logger.Error("export wait failed", slog.Duration("waited", d), slog.Any("error", err))
		return fmt.Errorf("frame: export wait: %w", err)
	}
	return nil
}

// Close reports frame calls that never paired up and an export that was
// never ended. An open frame is finished first.
func (c *Controller) Close() error {
	c.owner.Assert("Close")

	var errs []error
	c.mu.Lock()
	unmatched := c.stats.RedundantFinishes
	c.mu.Unlock()

	if c.State() == FrameActive {
		errs = append(errs, &UnbalancedFrameError{Active: true, UnmatchedFinishes: unmatched})
		if err := c.FinishFrame(); err != nil {
			errs = append(errs, err)
		}
	} else if unmatched > 0 {
		errs = append(errs, &UnbalancedFrameError{UnmatchedFinishes: unmatched})
	}
	if c.export.Active() {
		errs = append(errs, ErrExportModeLeaked)
	}

	err := errors.Join(errs...)
	if err != nil {
		c.logger.Error("frame controller closed uncleanly", slog.Any("error", err))
	}
	return err
}
