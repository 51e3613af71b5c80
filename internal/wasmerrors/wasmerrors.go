// Package wasmerrors defines the error kinds wasmflow distinguishes, per
// the error handling design: one sentinel per kind so callers can
// errors.Is against a stable value while concrete occurrences wrap it
// with contextual detail.
package wasmerrors

import (
	"errors"
	"fmt"
)

var (
	ErrConfigInvalid     = errors.New("config-invalid")
	ErrBrokerUnavailable = errors.New("broker-unavailable")
	ErrTopicNotFound     = errors.New("topic-not-found")
	ErrWasmCompile       = errors.New("wasm-compile")
	ErrWasmInstantiate   = errors.New("wasm-instantiate")
	ErrWasmTrap          = errors.New("wasm-trap")
	ErrAbiViolation      = errors.New("abi-violation")
	ErrSinkTransient     = errors.New("sink-transient")
	ErrSinkPermanent     = errors.New("sink-permanent")
	ErrMutexPoison       = errors.New("mutex-poison")
)

// AbiViolation wraps ErrAbiViolation with the fault kind and detail
// described in spec §4.1: "guest-memory-out-of-bounds", "invalid-variant",
// or "invalid-utf8".
func AbiViolation(kind, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrAbiViolation, kind, detail)
}

// Trap wraps ErrWasmTrap with the guest trap message.
func Trap(operation string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrWasmTrap, operation, cause)
}
