// Package host pairs one device with one script runtime.
//
// A Host owns a render thread, the updates and removals queues, the frame
// controller, the resource registry, the publisher and the script runtime.
// Hosts share nothing, so any number of them can live in one process.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gojarequire "github.com/dop251/goja_nodejs/require"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/joeycumines/framesync/internal/actionqueue"
	"github.com/joeycumines/framesync/internal/frame"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/publish"
	"github.com/joeycumines/framesync/internal/renderthread"
	"github.com/joeycumines/framesync/internal/resource"
	"github.com/joeycumines/framesync/internal/scripting"
	"github.com/joeycumines/framesync/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Host. The zero value is usable: no device, default
// logger, no metrics registration.
type Options struct {
	// Device backs the host. With a nil device every frame call is a no-op
	// and resource creation fails.
	Device gpu.Device
	Logger *slog.Logger
	// Registerer receives the host's collectors, labelled with its id.
	Registerer prometheus.Registerer
	// DefaultTexture supplies the fields a createResource call omits.
	DefaultTexture gpu.TextureDescriptor
	// SyncTimeout bounds synchronous calls into the script runtime.
	SyncTimeout time.Duration
	// ExportWaitTimeout bounds the GPU wait of each export frame, and the
	// final GPU wait on Close.
	ExportWaitTimeout time.Duration
}

// Host is a device and script runtime pairing.
type Host struct {
	id       string
	logger   *slog.Logger
	device   gpu.Device
	defaults gpu.TextureDescriptor
	gpuWait  time.Duration

	registerer prometheus.Registerer
	metrics    *telemetry.Metrics

	thread    *renderthread.Thread
	updates   *actionqueue.Queue
	removals  *actionqueue.Queue
	ctrl      *frame.Controller
	registry  *resource.Registry
	publisher *publish.Publisher
	script    *scripting.Runtime

	// handles are the resource copies held by live script handles.
	handlesMu sync.Mutex
	handles   map[*resource.Resource]struct{}

	closeOnce sync.Once
	closeErr  error
}

// New builds a host, starts its script runtime and opens the first frame,
// so script calls into the native layer never wait for one.
func New(ctx context.Context, opts Options) (*Host, error) {
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("host", id))

	defaults := opts.DefaultTexture
	if defaults.Width == 0 || defaults.Height == 0 || defaults.Format == gputypes.TextureFormatUndefined {
		defaults = gpu.DefaultTextureDescriptor(256, 256, defaultFormat)
	}
	gpuWait := opts.ExportWaitTimeout
	if gpuWait <= 0 {
		gpuWait = frame.DefaultExportWaitTimeout
	}

	registerer := telemetry.ForHost(opts.Registerer, id)
	metrics, err := telemetry.New(registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	h := &Host{
		id:         id,
		logger:     logger,
		device:     opts.Device,
		defaults:   defaults,
		gpuWait:    gpuWait,
		registerer: registerer,
		metrics:    metrics,
		handles:    make(map[*resource.Resource]struct{}),
	}

	h.thread = renderthread.Start(logger.With(slog.String("thread", "render")))
	owner := h.thread.Owner()
	h.updates = actionqueue.New("updates",
		actionqueue.WithOwner(owner), actionqueue.WithLogger(logger), actionqueue.WithMetrics(metrics))
	h.removals = actionqueue.New("removals",
		actionqueue.WithOwner(owner), actionqueue.WithLogger(logger), actionqueue.WithMetrics(metrics))
	h.registry = resource.NewRegistry(h.removals,
		resource.WithOwner(owner), resource.WithLogger(logger), resource.WithMetrics(metrics))
	h.ctrl = frame.NewController(h.device, h.updates, h.removals,
		frame.WithOwner(owner),
		frame.WithLogger(logger),
		frame.WithMetrics(metrics),
		frame.WithExportWaitTimeout(gpuWait))

	modules := gojarequire.NewRegistry()
	modules.RegisterNativeModule(ModuleName, h.loadModule)
	scriptOpts := []scripting.Option{
		scripting.WithRegistry(modules),
		scripting.WithLogger(logger),
	}
	if opts.SyncTimeout > 0 {
		scriptOpts = append(scriptOpts, scripting.WithSyncTimeout(opts.SyncTimeout))
	}
	// the host owns the runtime's lifetime, not ctx
	h.script, err = scripting.NewRuntime(context.Background(), scriptOpts...)
	if err != nil {
		h.thread.Close()
		metrics.Unregister(registerer)
		return nil, fmt.Errorf("starting script runtime: %w", err)
	}
	h.publisher = publish.New(h.registry, h.updates, h.script,
		publish.WithLogger(logger), publish.WithMetrics(metrics))

	if err := h.script.RunOnLoopSync(installGlobals); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("installing script globals: %w", err)
	}
	if err := h.StartFrame(ctx); err != nil {
		_ = h.Close(ctx)
		return nil, fmt.Errorf("starting first frame: %w", err)
	}

	logger.Info("host started", slog.Bool("device", h.device != nil))
	return h, nil
}

func (h *Host) ID() string { return h.id }

// Script returns the host's script runtime.
func (h *Host) Script() *scripting.Runtime { return h.script }

// Metrics returns the host's collectors.
func (h *Host) Metrics() *telemetry.Metrics { return h.metrics }

// CreateResource creates a shared texture under id on the render thread and
// returns an awaitable that settles at the first frame boundary after the
// creation. On success the caller owns the resolved holder and must release
// it.
func (h *Host) CreateResource(id resource.ID, desc gpu.TextureDescriptor) *publish.Awaitable {
	a := h.publisher.Reserve(id, nil)
	h.submitCreate(a, id, desc)
	return a
}

func (h *Host) submitCreate(a *publish.Awaitable, id resource.ID, desc gpu.TextureDescriptor) {
	if !h.thread.Post(func() { h.create(a, id, desc) }) {
		h.publisher.Reject(a, renderthread.ErrClosed)
	}
}

// create runs on the render thread.
func (h *Host) create(a *publish.Awaitable, id resource.ID, desc gpu.TextureDescriptor) {
	err := h.registry.Create(id, func(resource.ID) (gpu.NativeHandle, error) {
		if h.device == nil {
			return nil, errNoDevice
		}
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		return h.device.CreateSharedTexture(desc)
	})
	if err != nil {
		h.publisher.Reject(a, err)
		return
	}
	h.publisher.Confirm(a)
}

var errNoDevice = errors.New("host has no device")

// DestroyResource schedules removal of id. It never fails; unknown ids and
// repeated calls are no-ops.
func (h *Host) DestroyResource(id resource.ID) {
	h.thread.Post(func() { h.registry.Destroy(id) })
}

// BeginExport enters export mode: each following frame waits for the GPU
// before running removals. It returns false if already exporting.
func (h *Host) BeginExport() bool { return h.ctrl.Export().BeginExport() }

// EndExport leaves export mode. It returns false if not exporting.
func (h *Host) EndExport() bool { return h.ctrl.Export().EndExport() }

// FrameState returns the last frame state written by the render thread.
func (h *Host) FrameState() frame.State { return h.ctrl.State() }

func (h *Host) StartFrame(ctx context.Context) error {
	return h.thread.Call(ctx, h.ctrl.StartFrame)
}

func (h *Host) FinishFrame(ctx context.Context) error {
	return h.thread.Call(ctx, h.ctrl.FinishFrame)
}

// RenderFrame finishes the open frame and starts the next one.
func (h *Host) RenderFrame(ctx context.Context) error {
	return h.thread.Call(ctx, func() error {
		err := h.ctrl.FinishFrame()
		return errors.Join(err, h.ctrl.StartFrame())
	})
}

// Resize finishes the open frame, resizes the device and starts a new frame.
func (h *Host) Resize(ctx context.Context, width, height uint32) error {
	return h.thread.Call(ctx, func() error {
		errs := []error{h.ctrl.FinishFrame()}
		if h.device != nil {
			if err := h.device.UpdateSize(width, height); err != nil {
				errs = append(errs, fmt.Errorf("resize to %dx%d: %w", width, height, err))
			}
		}
		errs = append(errs, h.ctrl.StartFrame())
		return errors.Join(errs...)
	})
}

// LoadScript runs code on the script thread.
func (h *Host) LoadScript(name, code string) error {
	return h.script.LoadScript(name, code)
}

// FlushScript waits until the script thread has run everything posted to it
// so far, including publication callbacks delivered by the last frame.
func (h *Host) FlushScript() error {
	return h.script.RunOnLoopSync(noop)
}

// ResourceInfo describes one registry entry.
type ResourceInfo struct {
	ID    resource.ID
	State resource.State
	Refs  int
}

// Snapshot is a consistent view of a host, taken on the render thread.
type Snapshot struct {
	HostID              string
	Frame               frame.State
	ExportActive        bool
	Resources           []ResourceInfo
	Stats               frame.Stats
	PendingUpdates      int
	PendingRemovals     int
	PendingPublications int
}

func (h *Host) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := h.thread.Call(ctx, func() error {
		s = Snapshot{
			HostID:              h.id,
			Frame:               h.ctrl.State(),
			ExportActive:        h.ctrl.Export().Active(),
			Stats:               h.ctrl.Stats(),
			PendingUpdates:      h.updates.Len(),
			PendingRemovals:     h.removals.Len(),
			PendingPublications: h.publisher.Pending(),
		}
		for _, id := range h.registry.IDs() {
			info := ResourceInfo{ID: id, State: h.registry.State(id)}
			if res, ok := h.registry.Lookup(id); ok {
				info.Refs = res.Refs()
			}
			s.Resources = append(s.Resources, info)
		}
		return nil
	})
	return s, err
}

func (h *Host) trackHandle(res *resource.Resource) {
	h.handlesMu.Lock()
	h.handles[res] = struct{}{}
	h.handlesMu.Unlock()
}

// releaseHandle drops a script handle's copy on the render thread, or
// inline once the render thread is gone.
func (h *Host) releaseHandle(res *resource.Resource) {
	h.handlesMu.Lock()
	delete(h.handles, res)
	h.handlesMu.Unlock()
	if !h.thread.Post(func() { res.Release() }) {
		res.Release()
	}
}

// Close tears the host down. On the render thread it finishes the open
// frame, waits for the GPU, runs every queued action, rejects outstanding
// publications and releases every resource; then it stops the script
// runtime and the render thread. Errors from each step are joined.
func (h *Host) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.close(ctx)
	})
	return h.closeErr
}

func (h *Host) close(ctx context.Context) error {
	var errs []error

	err := h.thread.Call(ctx, func() error {
		var errs []error
		if h.ctrl.State() == frame.FrameActive {
			errs = append(errs, h.ctrl.FinishFrame())
		}
		errs = append(errs, h.ctrl.Close())
		if h.device != nil {
			waitCtx, cancel := context.WithTimeout(ctx, h.gpuWait)
			if err := h.device.SubmitSentinelAndWait(waitCtx); err != nil {
				errs = append(errs, fmt.Errorf("waiting for GPU idle: %w", err))
			}
			cancel()
		}
		// observe actions run first, so pending publications still resolve
		for h.updates.Len() > 0 || h.removals.Len() > 0 {
			_, uerr := h.updates.DrainAndExecuteAll()
			_, rerr := h.removals.DrainAndExecuteAll()
			errs = append(errs, uerr, rerr)
		}
		if h.publisher != nil {
			h.publisher.Close()
		}
		h.registry.Close()
		return errors.Join(errs...)
	})
	errs = append(errs, err)

	if h.script != nil {
		// flush settlements posted during teardown before stopping the loop
		if err := h.script.RunOnLoopSync(noop); err != nil && !errors.Is(err, scripting.ErrNotRunning) {
			errs = append(errs, err)
		}
		errs = append(errs, h.script.Close())
	}

	// script handles can no longer be released from the script side
	errs = append(errs, h.thread.Call(ctx, func() error {
		h.handlesMu.Lock()
		handles := h.handles
		h.handles = make(map[*resource.Resource]struct{})
		h.handlesMu.Unlock()
		for res := range handles {
			res.Release()
		}
		return nil
	}))
	h.thread.Close()
	h.metrics.Unregister(h.registerer)

	err = errors.Join(errs...)
	if err != nil {
		h.logger.Warn("host closed with errors", slog.Any("error", err))
	} else {
		h.logger.Info("host closed")
	}
	return err
}
