// Package wasmhost owns the WASM engine and compiled module, and
// instantiates one fresh guest per record. It is modeled on the teacher
// wazero engine's pattern of a long-lived compiled Module, paired here
// with a single persistent s3-sink host import instead of per-call state,
// and adapted to wasmflow's flattened process-record ABI instead of
// waPC's request/response __guest_call protocol.
package wasmhost

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wasmflow/wasmflow/internal/abi"
	"github.com/wasmflow/wasmflow/internal/record"
	"github.com/wasmflow/wasmflow/internal/sink"
	"github.com/wasmflow/wasmflow/internal/wasmerrors"
)

const i32 = api.ValueTypeI32

const (
	exportMemory       = "memory"
	exportRealloc      = "canonical_abi_realloc"
	exportProcessRecord = "process-record"

	importModuleSink = "s3-sink"
	importFuncWrite  = "write"
)

// Host owns the compiled module and wires the s3-sink import. One Host is
// created at startup and shared by every record's Guest Host call.
type Host struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	sink     sink.Writer
	logger   *zap.Logger

	instanceCounter uint64
}

// New compiles the WASM module at path, instantiates the wasi and s3-sink
// host module namespaces once, and prepares a Host. It is fatal at startup
// (wasmerrors.ErrWasmCompile / wasmerrors.ErrWasmInstantiate) if the module
// or its linker wiring fails.
func New(ctx context.Context, modulePath string, moduleBytes []byte, s sink.Writer, logger *zap.Logger) (*Host, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: wasi instantiate: %v", wasmerrors.ErrWasmCompile, err)
	}

	imp := &sinkImport{sink: s}
	if _, err := r.NewHostModuleBuilder(importModuleSink).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(imp.write), []api.ValueType{i32, i32, i32}, []api.ValueType{i32}).
		WithParameterNames("partition", "body_ptr", "body_len").
		Export(importFuncWrite).
		Instantiate(ctx); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: s3-sink linker: %v", wasmerrors.ErrWasmInstantiate, err)
	}

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("%w: %s: %v", wasmerrors.ErrWasmCompile, modulePath, err)
	}

	return &Host{runtime: r, compiled: compiled, sink: s, logger: logger}, nil
}

// Close tears down the shared engine. Call once at shutdown.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// sinkImport implements the s3-sink.write guest import, dispatching to the
// Buffered Sink. One instance is created in New and shared by every
// record's guest instance; the sink.Writer it holds does its own
// synchronization.
type sinkImport struct {
	sink sink.Writer
}

func (s *sinkImport) write(ctx context.Context, m api.Module, stack []uint64) {
	partition := int32(uint32(stack[0]))
	bodyPtr := uint32(stack[1])
	bodyLen := uint32(stack[2])

	mem := m.Memory()
	body, ok := mem.Read(bodyPtr, bodyLen)
	if !ok {
		// Borrow failure: the guest handed us an out-of-bounds slice.
		// Nothing is read or copied; the guest gets an Error status.
		stack[0] = uint64(record.StatusError)
		return
	}
	// Copy immediately: the guest may reuse or free bodyPtr the instant
	// this import returns (§4.1 "Memory ownership").
	owned := make([]byte, len(body))
	copy(owned, body)

	status := s.sink.Write(ctx, partition, owned)
	stack[0] = uint64(status)
}

// reallocAdapter adapts an api.Function export to the abi.Allocator
// interface.
type reallocAdapter struct {
	ctx context.Context
	fn  api.Function
}

func (a *reallocAdapter) Realloc(oldPtr, oldSize, align, newSize uint32) (uint32, error) {
	results, err := a.fn.Call(a.ctx, uint64(oldPtr), uint64(oldSize), uint64(align), uint64(newSize))
	if err != nil {
		return 0, err
	}
	return uint32(results[0]), nil
}

// ProcessRecord instantiates a fresh guest module, lowers r across the ABI
// boundary, invokes process-record, and returns the resulting Status.
//
// Per spec §4.2/§3: each record gets its own store, its own linear memory,
// and its own WASI context — guest state never leaks between records.
func (h *Host) ProcessRecord(ctx context.Context, r record.Record) (record.Status, error) {
	name := fmt.Sprintf("record-%d", atomic.AddUint64(&h.instanceCounter, 1))
	// WASI stdio is inherited (the guest can println); no filesystem or
	// argument access is granted, per spec §4.2 linker wiring.
	cfg := wazero.NewModuleConfig().WithName(name).WithStdout(os.Stdout).WithStderr(os.Stderr)

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, cfg)
	if err != nil {
		h.logger.Warn("guest instantiate failed", zap.Error(err), zap.String("topic", r.Topic), zap.Int32("partition", r.Partition))
		return record.StatusError, fmt.Errorf("%w: %v", wasmerrors.ErrWasmInstantiate, err)
	}
	defer mod.Close(ctx)

	reallocFn := mod.ExportedFunction(exportRealloc)
	if reallocFn == nil {
		return record.StatusError, fmt.Errorf("%w: missing export %s", wasmerrors.ErrWasmInstantiate, exportRealloc)
	}
	processFn := mod.ExportedFunction(exportProcessRecord)
	if processFn == nil {
		return record.StatusError, fmt.Errorf("%w: missing export %s", wasmerrors.ErrWasmInstantiate, exportProcessRecord)
	}

	alloc := &reallocAdapter{ctx: ctx, fn: reallocFn}
	mem := mod.Memory()

	keyPtr, keyLen, keyDisc, err := lowerOptionalScalar(mem, alloc, r.Key)
	if err != nil {
		return record.StatusError, err
	}
	valPtr, valLen, valDisc, err := lowerOptionalScalar(mem, alloc, r.Value)
	if err != nil {
		return record.StatusError, err
	}
	headersPtr, headersLen, err := abi.LowerHeaders(mem, alloc, r.Headers)
	if err != nil {
		return record.StatusError, err
	}
	topicPtr, topicLen, err := abi.LowerBytes(mem, alloc, []byte(r.Topic))
	if err != nil {
		return record.StatusError, err
	}

	results, err := processFn.Call(ctx,
		uint64(keyDisc), uint64(keyPtr), uint64(keyLen),
		uint64(valDisc), uint64(valPtr), uint64(valLen),
		uint64(headersPtr), uint64(headersLen),
		uint64(topicPtr), uint64(topicLen),
		uint64(uint32(r.Partition)),
		uint64(r.Offset),
		uint64(r.Timestamp),
	)
	if err != nil {
		h.logger.Warn("guest trap", zap.Error(err), zap.String("topic", r.Topic), zap.Int32("partition", r.Partition), zap.Int64("offset", r.Offset))
		return record.StatusError, wasmerrors.Trap(exportProcessRecord, err)
	}

	switch results[0] {
	case uint64(record.StatusOk):
		return record.StatusOk, nil
	case uint64(record.StatusError):
		return record.StatusError, nil
	default:
		return record.StatusError, wasmerrors.AbiViolation("invalid-variant", "process-record return")
	}
}

func lowerOptionalScalar(mem abi.Memory, alloc abi.Allocator, b []byte) (ptr, length uint32, disc int32, err error) {
	if b == nil {
		return 0, 0, 0, nil
	}
	ptr, length, err = abi.LowerBytes(mem, alloc, b)
	if err != nil {
		return 0, 0, 0, err
	}
	return ptr, length, 1, nil
}
