package gpu

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextureDescriptor_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		desc TextureDescriptor
		ok   bool
	}{
		{name: "default", desc: DefaultTextureDescriptor(64, 32, gputypes.TextureFormatRGBA8Unorm), ok: true},
		{name: "max", desc: DefaultTextureDescriptor(MaxTextureDimension, 1, gputypes.TextureFormatBGRA8Unorm), ok: true},
		{name: "zero width", desc: DefaultTextureDescriptor(0, 32, gputypes.TextureFormatRGBA8Unorm)},
		{name: "too tall", desc: DefaultTextureDescriptor(1, MaxTextureDimension+1, gputypes.TextureFormatRGBA8Unorm)},
		{name: "undefined format", desc: DefaultTextureDescriptor(8, 8, gputypes.TextureFormatUndefined)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.desc.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidDescriptor)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat(" BGRA8Unorm ")
	require.NoError(t, err)
	assert.Equal(t, gputypes.TextureFormatBGRA8Unorm, f)
	assert.Equal(t, "bgra8unorm", FormatName(f))

	for _, name := range FormatNames() {
		f, err := ParseFormat(name)
		require.NoError(t, err)
		assert.Equal(t, name, FormatName(f))
	}

	_, err = ParseFormat("rgb565")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rgba8unorm")
}

func TestHeadless_FrameOrdering(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Width: 100, Height: 50})
	defer d.Close()

	require.ErrorIs(t, d.EndFrame(), ErrFrameState)
	require.NoError(t, d.BeginFrame())
	require.ErrorIs(t, d.BeginFrame(), ErrFrameState)
	require.ErrorIs(t, d.UpdateSize(10, 10), ErrFrameState)
	d.BeginUpdate()
	d.EndUpdate()
	require.NoError(t, d.EndFrame())
	require.NoError(t, d.UpdateSize(10, 20))

	s := d.Stats()
	assert.Equal(t, uint64(1), s.Frames)
	assert.Equal(t, uint32(10), s.Width)
	assert.Equal(t, uint32(20), s.Height)
	assert.False(t, s.InFrame)
}

func TestHeadless_SentinelWaitsForPriorWork(t *testing.T) {
	t.Parallel()

	var retiredAtSentinel uint64
	var d *Headless
	d = NewHeadless(HeadlessOptions{
		Latency: 5 * time.Millisecond,
		OnSentinel: func() {
			retiredAtSentinel = d.Stats().Retired
		},
	})
	defer d.Close()

	for range 3 {
		require.NoError(t, d.BeginFrame())
		require.NoError(t, d.EndFrame())
	}
	require.NoError(t, d.SubmitSentinelAndWait(context.Background()))

	// three frames plus the sentinel itself
	assert.Equal(t, uint64(4), retiredAtSentinel)
	assert.Equal(t, uint64(1), d.Stats().Sentinels)
}

func TestHeadless_SentinelTimeout(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: 200 * time.Millisecond})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := d.SubmitSentinelAndWait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(0), d.Stats().Sentinels)
}

func TestHeadless_TextureLifecycle(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: 50 * time.Millisecond})
	defer d.Close()

	h, err := d.CreateSharedTexture(DefaultTextureDescriptor(4, 4, gputypes.TextureFormatRGBA8Unorm))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), h.Descriptor().Width)
	assert.Equal(t, 1, d.Stats().LiveTextures)

	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())
	// the frame is still on the GPU
	h.Destroy()
	h.Destroy()

	s := d.Stats()
	assert.Equal(t, 0, s.LiveTextures)
	assert.Equal(t, 1, s.DoubleFrees)
	assert.Equal(t, uint64(1), s.DeferredFrees)
	assert.Equal(t, 1, s.PendingFrees)
	assert.Equal(t, 0, s.InFlightDestroys)

	require.NoError(t, d.SubmitSentinelAndWait(context.Background()))
	s = d.Stats()
	assert.Equal(t, 0, s.PendingFrees)
	assert.Equal(t, 0, s.InFlightDestroys)
	assert.True(t, h.(*headlessTexture).freed)
}

func TestHeadless_DestroyWaitsForLastUseFence(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: 30 * time.Millisecond})
	defer d.Close()

	early, err := d.CreateSharedTexture(DefaultTextureDescriptor(4, 4, gputypes.TextureFormatRGBA8Unorm))
	require.NoError(t, err)
	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())
	late, err := d.CreateSharedTexture(DefaultTextureDescriptor(4, 4, gputypes.TextureFormatRGBA8Unorm))
	require.NoError(t, err)
	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())

	// early was last used by frame 2 as well, so both wait on the same fence
	early.Destroy()
	late.Destroy()
	d.mu.Lock()
	assert.False(t, early.(*headlessTexture).freed)
	assert.False(t, late.(*headlessTexture).freed)
	d.mu.Unlock()

	require.NoError(t, d.SubmitSentinelAndWait(context.Background()))
	d.mu.Lock()
	assert.True(t, early.(*headlessTexture).freed)
	assert.True(t, late.(*headlessTexture).freed)
	d.mu.Unlock()
	s := d.Stats()
	assert.Equal(t, uint64(2), s.DeferredFrees)
	assert.Equal(t, 0, s.PendingFrees)
	assert.Equal(t, 0, s.InFlightDestroys)
}

func TestHeadless_ClosePerformsPendingFrees(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: 20 * time.Millisecond})
	h, err := d.CreateSharedTexture(DefaultTextureDescriptor(4, 4, gputypes.TextureFormatRGBA8Unorm))
	require.NoError(t, err)
	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())
	h.Destroy()
	require.NoError(t, d.Close())

	s := d.Stats()
	assert.Equal(t, 0, s.PendingFrees)
	assert.Equal(t, 0, s.InFlightDestroys)
	assert.True(t, h.(*headlessTexture).freed)
}

func TestHeadless_SubmitRacingCloseNeverStrands(t *testing.T) {
	t.Parallel()

	for range 50 {
		d := NewHeadless(HeadlessOptions{})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- d.SubmitSentinelAndWait(ctx)
			}()
		}
		require.NoError(t, d.Close())
		wg.Wait()
		cancel()
		close(errs)
		for err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrDeviceClosed)
			}
		}
		s := d.Stats()
		assert.Equal(t, s.Submitted, s.Retired)
	}
}

func TestHeadless_DestroyAfterSentinelIsSafe(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: time.Millisecond})
	defer d.Close()

	h, err := d.CreateSharedTexture(DefaultTextureDescriptor(4, 4, gputypes.TextureFormatR8Unorm))
	require.NoError(t, err)
	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())
	require.NoError(t, d.SubmitSentinelAndWait(context.Background()))
	h.Destroy()

	assert.Equal(t, 0, d.Stats().InFlightDestroys)
}

func TestHeadless_FailCreate(t *testing.T) {
	t.Parallel()

	boom := errors.New("out of video memory")
	d := NewHeadless(HeadlessOptions{FailCreate: func(desc TextureDescriptor) error {
		if desc.Label == "bad" {
			return boom
		}
		return nil
	}})
	defer d.Close()

	desc := DefaultTextureDescriptor(4, 4, gputypes.TextureFormatRGBA8Unorm)
	desc.Label = "bad"
	_, err := d.CreateSharedTexture(desc)
	require.ErrorIs(t, err, boom)

	_, err = d.CreateSharedTexture(DefaultTextureDescriptor(0, 4, gputypes.TextureFormatRGBA8Unorm))
	require.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Equal(t, 0, d.Stats().LiveTextures)
}

func TestHeadless_Close(t *testing.T) {
	t.Parallel()

	d := NewHeadless(HeadlessOptions{Latency: time.Millisecond})
	require.NoError(t, d.BeginFrame())
	require.NoError(t, d.EndFrame())
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	s := d.Stats()
	assert.Equal(t, s.Submitted, s.Retired)
	assert.ErrorIs(t, d.BeginFrame(), ErrDeviceClosed)
	assert.ErrorIs(t, d.SubmitSentinelAndWait(context.Background()), ErrDeviceClosed)
	_, err := d.CreateSharedTexture(DefaultTextureDescriptor(1, 1, gputypes.TextureFormatRGBA8Unorm))
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

var _ Device = (*Headless)(nil)
