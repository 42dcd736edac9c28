package host

import (
	"fmt"
	"math"

	"github.com/dop251/goja"
	gojarequire "github.com/dop251/goja_nodejs/require"
	"github.com/gogpu/gputypes"
	"github.com/joeycumines/framesync/internal/gpu"
	"github.com/joeycumines/framesync/internal/resource"
)

// ModuleName is the script module exposing the host, also installed as
// globals.
const ModuleName = "framesync"

const defaultFormat = gputypes.TextureFormatRGBA8Unorm

func noop(*goja.Runtime) error { return nil }

// installGlobals copies the module exports onto the global object.
func installGlobals(vm *goja.Runtime) error {
	exports := gojarequire.Require(vm, ModuleName).ToObject(vm)
	for _, key := range exports.Keys() {
		if err := vm.Set(key, exports.Get(key)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) loadModule(runtime *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	// createResource(id: number, options?: {width, height, format, label}): Promise<Handle>
	_ = exports.Set("createResource", func(call goja.FunctionCall) goja.Value {
		id := resourceIDArg(runtime, call.Argument(0), "createResource")
		desc := h.descriptorArg(runtime, call.Argument(1))

		promise, resolve, reject := runtime.NewPromise()
		a := h.publisher.Reserve(id, func(res *resource.Resource, err error) {
			if err != nil {
				reject(runtime.NewGoError(fmt.Errorf("createResource(%d): %w", id, err)))
				return
			}
			h.trackHandle(res)
			resolve(h.newHandle(runtime, res))
		})
		h.submitCreate(a, id, desc)
		return runtime.ToValue(promise)
	})

	// destroyResource(id: number): void
	_ = exports.Set("destroyResource", func(call goja.FunctionCall) goja.Value {
		h.DestroyResource(resourceIDArg(runtime, call.Argument(0), "destroyResource"))
		return goja.Undefined()
	})

	// beginExport(): boolean
	_ = exports.Set("beginExport", func(goja.FunctionCall) goja.Value {
		return runtime.ToValue(h.BeginExport())
	})

	// endExport(): boolean
	_ = exports.Set("endExport", func(goja.FunctionCall) goja.Value {
		return runtime.ToValue(h.EndExport())
	})

	// frameState(): "idle" | "active"
	_ = exports.Set("frameState", func(goja.FunctionCall) goja.Value {
		return runtime.ToValue(h.FrameState().String())
	})
}

func resourceIDArg(runtime *goja.Runtime, v goja.Value, fn string) resource.ID {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		panic(runtime.NewTypeError(fmt.Sprintf("%s requires a resource id", fn)))
	}
	f := v.ToFloat()
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		panic(runtime.NewTypeError(fmt.Sprintf("%s: resource id must be an integer, got %s", fn, v.String())))
	}
	if f < -(1<<63) || f >= 1<<63 {
		panic(runtime.NewTypeError(fmt.Sprintf("%s: resource id out of range, got %s", fn, v.String())))
	}
	return resource.ID(v.ToInteger())
}

// descriptorArg merges a createResource options object over the host
// defaults.
func (h *Host) descriptorArg(runtime *goja.Runtime, v goja.Value) gpu.TextureDescriptor {
	desc := h.defaults
	desc.Label = ""
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return desc
	}
	obj := v.ToObject(runtime)

	if w := obj.Get("width"); w != nil && !goja.IsUndefined(w) {
		desc.Width = dimension(runtime, "width", w)
	}
	if ht := obj.Get("height"); ht != nil && !goja.IsUndefined(ht) {
		desc.Height = dimension(runtime, "height", ht)
	}
	if f := obj.Get("format"); f != nil && !goja.IsUndefined(f) {
		format, err := gpu.ParseFormat(f.String())
		if err != nil {
			panic(runtime.NewTypeError(err.Error()))
		}
		desc.Format = format
	}
	if l := obj.Get("label"); l != nil && !goja.IsUndefined(l) {
		desc.Label = l.String()
	}
	return desc
}

// dimension range checks belong to Validate; this only rejects values that
// cannot be represented.
func dimension(runtime *goja.Runtime, name string, v goja.Value) uint32 {
	n := v.ToInteger()
	if n < 0 || n > math.MaxUint32 {
		panic(runtime.NewTypeError(fmt.Sprintf("%s out of range: %d", name, n)))
	}
	return uint32(n)
}

// newHandle wraps a resolved copy for the script side. release() hands the
// copy back; it is idempotent.
func (h *Host) newHandle(runtime *goja.Runtime, res *resource.Resource) goja.Value {
	desc := res.Descriptor()
	obj := runtime.NewObject()
	_ = obj.Set("id", int64(res.ID()))
	_ = obj.Set("width", desc.Width)
	_ = obj.Set("height", desc.Height)
	_ = obj.Set("format", gpu.FormatName(desc.Format))
	_ = obj.Set("label", desc.Label)

	released := false
	_ = obj.Set("release", func(goja.FunctionCall) goja.Value {
		if released {
			return runtime.ToValue(false)
		}
		released = true
		h.releaseHandle(res)
		return runtime.ToValue(true)
	})
	return obj
}
