package command

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/joeycumines/framesync/internal/config"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/host"
	"github.com/joeycumines/framesync/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

//go:embed demo.js
var demoScript string

// RunCommand drives a headless host for a fixed number of frames.
type RunCommand struct {
	*BaseCommand
	config *config.Config
	flags  *flag.FlagSet

	frames      int
	script      string
	exportEvery int
	interval    time.Duration
	metricsAddr string
}

func NewRunCommand(cfg *config.Config) *RunCommand {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Run a script against a headless host",
			"run [options]",
		),
		config: cfg,
	}
}

// SetupFlags registers flags that override the [run] configuration. Only
// flags given on the command line take effect.
func (c *RunCommand) SetupFlags(fs *flag.FlagSet) {
	c.flags = fs
	fs.IntVar(&c.frames, "frames", 3, "Number of frames to render")
	fs.StringVar(&c.script, "script", "", "Script to load instead of the built-in demo")
	fs.IntVar(&c.exportEvery, "export", 0, "Render every Nth frame as an export frame (0 disables)")
	fs.DurationVar(&c.interval, "interval", 16*time.Millisecond, "Delay between frames")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

func (c *RunCommand) settings() (config.Settings, error) {
	s, err := config.DefaultSchema().Settings(c.config, c.Name())
	if err != nil {
		return s, err
	}
	if c.flags == nil {
		return s, nil
	}
	c.flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "frames":
			s.Frames = c.frames
		case "script":
			s.Script = c.script
		case "export":
			s.ExportEvery = c.exportEvery
		case "interval":
			s.FrameInterval = c.interval
		case "metrics-addr":
			s.MetricsAddr = c.metricsAddr
		}
	})
	if s.Frames < 0 || s.ExportEvery < 0 || s.FrameInterval < 0 {
		return s, errors.New("run: frames, export and interval must not be negative")
	}
	return s, nil
}

func (c *RunCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	settings, err := c.settings()
	if err != nil {
		return err
	}
	logger := NewLogger(stderr, settings.LogLevel)

	name, code := "demo.js", demoScript
	if settings.Script != "" {
		data, err := os.ReadFile(settings.Script)
		if err != nil {
			return fmt.Errorf("run: reading script: %w", err)
		}
		name, code = filepath.Base(settings.Script), string(data)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if settings.MetricsAddr != "" {
		shutdown, err := serveMetrics(settings.MetricsAddr, reg, stdout, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	dev := gpu.NewHeadless(gpu.HeadlessOptions{
		Width:   settings.Width,
		Height:  settings.Height,
		Latency: settings.GPULatency,
		Logger:  logger,
	})
	defer dev.Close()

	h, err := host.New(ctx, host.Options{
		Device:            dev,
		Logger:            logger,
		Registerer:        reg,
		DefaultTexture:    settings.TextureDescriptor(),
		SyncTimeout:       settings.SyncTimeout,
		ExportWaitTimeout: settings.ExportWaitTimeout,
	})
	if err != nil {
		return err
	}

	errs := []error{c.render(ctx, h, name, code, settings, logger)}
	snap, snapErr := h.Snapshot(context.Background())
	errs = append(errs, snapErr, h.Close(context.Background()))
	if snapErr == nil {
		printSummary(stdout, snap, dev.Stats())
	}
	return errors.Join(errs...)
}

func (c *RunCommand) render(ctx context.Context, h *host.Host, name, code string, s config.Settings, logger *slog.Logger) error {
	if err := h.LoadScript(name, code); err != nil {
		return err
	}

	var errs []error
	for i := 1; i <= s.Frames; i++ {
		export := s.ExportEvery > 0 && i%s.ExportEvery == 0
		if export {
			h.BeginExport()
		}
		if err := h.RenderFrame(ctx); err != nil {
			logger.Error("frame failed", slog.Int("frame", i), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("frame %d: %w", i, err))
		}
		if export {
			h.EndExport()
		}
		if err := h.FlushScript(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if i == s.Frames || s.FrameInterval == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			logger.Warn("interrupted", slog.Int("frame", i))
			return errors.Join(errs...)
		case <-time.After(s.FrameInterval):
		}
	}
	return errors.Join(errs...)
}

// serveMetrics starts the metrics endpoint and returns its shutdown.
func serveMetrics(addr string, g prometheus.Gatherer, stdout io.Writer, logger *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("run: metrics listener: %w", err)
	}
	srv := telemetry.NewServer(addr, g)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.Any("error", err))
		}
	}()
	_, _ = fmt.Fprintf(stdout, "metrics: http://%s/metrics\n", ln.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printSummary(w io.Writer, snap host.Snapshot, dev gpu.HeadlessStats) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "host\t%s\n", snap.HostID)
	_, _ = fmt.Fprintf(tw, "frames\t%d\n", snap.Stats.Frames)
	_, _ = fmt.Fprintf(tw, "export waits\t%d\n", snap.Stats.ExportWaits)

	resources := make([]string, 0, len(snap.Resources))
	for _, r := range snap.Resources {
		resources = append(resources, fmt.Sprintf("%d(%s)", r.ID, r.State))
	}
	if len(resources) == 0 {
		resources = append(resources, "none")
	}
	_, _ = fmt.Fprintf(tw, "resources\t%s\n", strings.Join(resources, " "))
	_, _ = fmt.Fprintf(tw, "gpu submissions\t%d (retired %d)\n", dev.Submitted, dev.Retired)
	_, _ = fmt.Fprintf(tw, "unsafe destroys\t%d\n", dev.InFlightDestroys+dev.DoubleFrees)
	_ = tw.Flush()
}
