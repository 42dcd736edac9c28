// Package gpu defines the graphics device the frame controller drives, the
// texture vocabulary shared with the script side, and an in-process headless
// device.
//
// A Device is not safe for concurrent use. Every method is called from the
// render thread, except NativeHandle.Destroy which runs wherever the last
// holder of a resource releases it (also the render thread in practice).
package gpu

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by a device that has been closed.
var ErrDeviceClosed = errors.New("gpu: device closed")

// NativeHandle is a native GPU object backing a shared resource.
type NativeHandle interface {
	Descriptor() TextureDescriptor
	// Destroy frees the native object. It is called exactly once by the
	// owning resource.
	Destroy()
}

// Device is the rendering backend.
type Device interface {
	// BeginFrame starts recording a frame.
	BeginFrame() error
	// EndFrame submits the recorded frame to the GPU queue. It does not
	// wait for the GPU to finish it.
	EndFrame() error

	// BeginUpdate and EndUpdate bracket the device-level update scope that
	// lives inside a frame.
	BeginUpdate()
	EndUpdate()

	// SubmitSentinelAndWait submits an empty unit of work and blocks until
	// it (and therefore all previously submitted work) has retired.
	SubmitSentinelAndWait(ctx context.Context) error

	CreateSharedTexture(desc TextureDescriptor) (NativeHandle, error)

	// UpdateSize resizes the backbuffer. It must be called outside a frame.
	UpdateSize(width, height uint32) error
}
