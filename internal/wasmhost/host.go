// Package wasmhost is the concrete adapter between the transform
// driver's FunctionEval actions (internal/transform) and a sandboxed
// WASM guest module, via wazero. It implements the flat-buffer,
// caller-owned-output-buffer, single-integer-error-code ABI the design
// spec's "Function-evaluation ABI" describes: the host writes the
// input payload into guest memory, calls one exported function per
// eval kind with an output buffer the host already owns, and retries
// with a larger buffer if the guest reports it needed more room.
//
// Modules are loaded from local paths only; there is no module
// marketplace or signing story in this port.
package wasmhost

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/calvinalkan/diffbelt/internal/diffbelterr"
	"github.com/calvinalkan/diffbelt/internal/transform"
)

// tooSmall is the sentinel a guest export returns when the
// caller-supplied output buffer wasn't big enough; the host doubles
// the buffer and retries.
const tooSmall = -1

const initialOutputBufferSize = 4096

// Host owns the wazero runtime and the compiled modules loaded into
// it. One Host is shared process-wide; Instances are created per
// transform driver since a wazero module instance is not safe for
// concurrent calls.
type Host struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	modules map[string]wazero.CompiledModule
}

// New constructs a Host with a fresh wazero runtime.
func New(ctx context.Context) *Host {
	return &Host{
		runtime: wazero.NewRuntime(ctx),
		modules: map[string]wazero.CompiledModule{},
	}
}

// LoadModule compiles the WASM bytes at path and registers them under
// name for later Instantiate calls. Safe to call concurrently.
func (h *Host) LoadModule(ctx context.Context, name, path string) error {
	bin, err := os.ReadFile(path)
	if err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCause(err))
	}

	compiled, err := h.runtime.CompileModule(ctx, bin)
	if err != nil {
		return diffbelterr.Wrap(diffbelterr.ErrMalformedValue, diffbelterr.WithCause(fmt.Errorf("compile wasm module %q: %w", name, err)))
	}

	h.mu.Lock()
	h.modules[name] = compiled
	h.mu.Unlock()

	return nil
}

// Close releases the runtime and every compiled module.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Instance is one instantiated guest module, driving FunctionEval
// actions for a single transform driver. Not safe for concurrent use -
// wazero serializes calls against one module instance, matching the
// driver's own single-threaded Run loop.
type Instance struct {
	mod     api.Module
	alloc   api.Function
	free    api.Function
	exports map[transform.EvalKind]api.Function

	bufCap int // current output-buffer retry size, grows geometrically
}

// exportNames maps each eval kind to the guest export the driver calls
// into for it, named after the wire vocabulary in
// internal/transform/actions.go's EvalKind.String().
func exportNames() map[transform.EvalKind]string {
	return map[transform.EvalKind]string{
		transform.EvalMapFilter:                  "map_filter",
		transform.EvalAggregateMap:                "aggregate_map",
		transform.EvalAggregateTargetInfo:         "aggregate_target_info",
		transform.EvalAggregateInitialAccumulator: "aggregate_initial_accumulator",
		transform.EvalAggregateReduce:             "aggregate_reduce",
		transform.EvalAggregateMerge:              "aggregate_merge",
		transform.EvalAggregateApply:               "aggregate_apply",
	}
}

// Instantiate creates a fresh module instance for moduleName, which
// must have already been loaded via LoadModule. The guest module is
// required to export alloc(size i32) i32 and dealloc(ptr i32, size
// i32) i32, plus one export per EvalKind per exportNames.
func (h *Host) Instantiate(ctx context.Context, moduleName string) (*Instance, error) {
	h.mu.Lock()
	compiled, ok := h.modules[moduleName]
	h.mu.Unlock()

	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrNotFound, diffbelterr.WithCollection(moduleName))
	}

	mod, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		return nil, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("instantiate wasm module %q: %w", moduleName, err)))
	}

	allocFn := mod.ExportedFunction("alloc")
	freeFn := mod.ExportedFunction("dealloc")

	if allocFn == nil || freeFn == nil {
		return nil, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("wasm module %q missing alloc/dealloc exports", moduleName)))
	}

	exports := map[transform.EvalKind]api.Function{}

	for kind, name := range exportNames() {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			return nil, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("wasm module %q missing export %q", moduleName, name)))
		}

		exports[kind] = fn
	}

	return &Instance{
		mod:     mod,
		alloc:   allocFn,
		free:    freeFn,
		exports: exports,
		bufCap:  initialOutputBufferSize,
	}, nil
}

// Close tears down the guest module instance.
func (in *Instance) Close(ctx context.Context) error {
	return in.mod.Close(ctx)
}

// Eval runs one FunctionEval action against the guest module and
// returns its raw output payload. Each call allocates its guest buffers
// and frees them before returning; buffers are not pooled. The output
// buffer is bufCap bytes; a too-small buffer doubles bufCap and the call
// is retried, and the grown bufCap is kept for later calls.
func (in *Instance) Eval(ctx context.Context, kind transform.EvalKind, payload []byte) ([]byte, error) {
	fn, ok := in.exports[kind]
	if !ok {
		return nil, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("no export registered for eval kind %s", kind)))
	}

	inPtr, inLen, err := in.writeGuestBuffer(ctx, payload)
	if err != nil {
		return nil, err
	}

	defer in.freeGuestBuffer(ctx, inPtr, inLen)

	for {
		outPtr, outCap, err := in.allocGuestBuffer(ctx, in.bufCap)
		if err != nil {
			return nil, err
		}

		results, err := fn.Call(ctx, uint64(inPtr), uint64(inLen), uint64(outPtr), uint64(outCap))
		if err != nil {
			in.freeGuestBuffer(ctx, outPtr, outCap)

			return nil, diffbelterr.Wrap(diffbelterr.ErrEval, diffbelterr.WithCause(err))
		}

		ret := int32(results[0])

		if ret == tooSmall {
			in.freeGuestBuffer(ctx, outPtr, outCap)
			in.bufCap *= 2

			continue
		}

		if ret < tooSmall {
			in.freeGuestBuffer(ctx, outPtr, outCap)

			code := -(ret + 2)

			return nil, diffbelterr.Wrap(diffbelterr.ErrEval, diffbelterr.WithCause(fmt.Errorf("guest eval %s failed with code %d", kind, code)))
		}

		out, ok := in.mod.Memory().Read(outPtr, uint32(ret))
		if !ok {
			in.freeGuestBuffer(ctx, outPtr, outCap)

			return nil, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("failed reading guest output for %s", kind)))
		}

		result := append([]byte(nil), out...)

		in.freeGuestBuffer(ctx, outPtr, outCap)

		return result, nil
	}
}

func (in *Instance) writeGuestBuffer(ctx context.Context, data []byte) (uint32, uint32, error) {
	ptr, cap, err := in.allocGuestBuffer(ctx, len(data))
	if err != nil {
		return 0, 0, err
	}

	if len(data) > 0 && !in.mod.Memory().Write(ptr, data) {
		in.freeGuestBuffer(ctx, ptr, cap)

		return 0, 0, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("failed writing guest input buffer")))
	}

	return ptr, cap, nil
}

func (in *Instance) allocGuestBuffer(ctx context.Context, size int) (uint32, uint32, error) {
	if size <= 0 {
		size = 1
	}

	results, err := in.alloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, 0, diffbelterr.Wrap(diffbelterr.ErrInternal, diffbelterr.WithCause(fmt.Errorf("guest alloc(%d): %w", size, err)))
	}

	return uint32(results[0]), uint32(size), nil
}

func (in *Instance) freeGuestBuffer(ctx context.Context, ptr, size uint32) {
	_, _ = in.free.Call(ctx, uint64(ptr), uint64(size))
}
