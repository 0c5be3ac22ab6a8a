package core

import (
	"context"
	"fmt"
)

// =============================================================================
// Kernel registration
// =============================================================================

// RawKernel is the internal kernel form that works with encoded payloads.
type RawKernel func(ctx context.Context, payload []byte) ([]byte, error)

// TypedKernel is a type-safe computation routine.
type TypedKernel[Req any, Res any] func(ctx context.Context, req Req) (Res, error)

// KernelFactory builds the kernel set for one execution unit.
// It is called once per unit creation, including replacements after a crash,
// so every unit owns its own kernels and state.
type KernelFactory func(slot int) (*KernelSet, error)

type kernelEntry struct {
	run       RawKernel
	cacheable bool
}

// KernelSet maps task types to the kernels a unit executes.
type KernelSet struct {
	codec   Codec
	kernels map[TaskType]kernelEntry
}

// NewKernelSet creates an empty set. A nil codec selects JSON.
func NewKernelSet(codec Codec) *KernelSet {
	if codec == nil {
		codec = NewJSONCodec()
	}
	return &KernelSet{
		codec:   codec,
		kernels: make(map[TaskType]kernelEntry),
	}
}

// KernelOption tunes a registered kernel.
type KernelOption func(*kernelEntry)

// Cacheable lets the unit serve repeated identical payloads from its cache.
func Cacheable() KernelOption {
	return func(e *kernelEntry) { e.cacheable = true }
}

// RegisterKernel registers a typed kernel for kind.
// The kernel is called with the decoded payload; its result is encoded back.
func RegisterKernel[Req any, Res any](s *KernelSet, kind TaskType, kernel TypedKernel[Req, Res], opts ...KernelOption) error {
	if kernel == nil {
		return fmt.Errorf("kernel for %s is nil", kind)
	}
	if !kind.Valid() || kind.IsControl() {
		return fmt.Errorf("cannot register a kernel for task type %q", kind)
	}

	codec := s.codec
	entry := kernelEntry{
		run: func(ctx context.Context, payload []byte) ([]byte, error) {
			var req Req
			if err := codec.Decode(payload, &req); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
			res, err := kernel(ctx, req)
			if err != nil {
				return nil, err
			}
			return codec.Encode(res)
		},
	}
	for _, opt := range opts {
		opt(&entry)
	}
	s.kernels[kind] = entry
	return nil
}

// Types lists the registered task types.
func (s *KernelSet) Types() []TaskType {
	out := make([]TaskType, 0, len(s.kernels))
	for kind := range s.kernels {
		out = append(out, kind)
	}
	return out
}

func (s *KernelSet) lookup(kind TaskType) (kernelEntry, bool) {
	e, ok := s.kernels[kind]
	return e, ok
}
