package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tunogya/visionquant/pkg/artifact"
)

// Holder publishes the current Handle. Readers take the pointer once per
// query and keep using it even if a newer handle is swapped in meanwhile.
type Holder struct {
	layout  *artifact.Layout
	current atomic.Pointer[Handle]
	group   singleflight.Group
	logger  *zap.Logger
}

// NewHolder creates an empty holder for the data directory.
func NewHolder(dataDir string, logger *zap.Logger) *Holder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Holder{layout: artifact.NewLayout(dataDir), logger: logger}
}

// Layout is the data directory the holder serves.
func (h *Holder) Layout() *artifact.Layout { return h.layout }

// Peek returns the held handle without touching disk; nil if none.
func (h *Holder) Peek() *Handle {
	return h.current.Load()
}

// Swap installs next and returns the previous handle.
func (h *Holder) Swap(next *Handle) *Handle {
	return h.current.Swap(next)
}

// Get returns a handle for the live generation, loading it when the held
// handle is missing or stale. Concurrent callers share one load.
func (h *Holder) Get(ctx context.Context) (*Handle, error) {
	name, err := h.layout.Current()
	if err != nil {
		if errors.Is(err, artifact.ErrNoGeneration) {
			return nil, ErrIndexNotReady
		}
		return nil, err
	}
	if cur := h.current.Load(); cur != nil && cur.Generation() == name {
		return cur, nil
	}

	v, err, _ := h.group.Do(name, func() (interface{}, error) {
		if cur := h.current.Load(); cur != nil && cur.Generation() == name {
			return cur, nil
		}
		next, err := LoadGeneration(ctx, name, h.layout.Generation(name))
		if err != nil {
			return nil, err
		}
		prev := h.current.Swap(next)
		fields := []zap.Field{zap.String("generation", name), zap.Int("patterns", next.Len())}
		if prev != nil {
			fields = append(fields, zap.String("previous", prev.Generation()))
		}
		h.logger.Info("Index handle loaded", fields...)
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

// Reload forces the live generation to be loaded and swapped in.
func (h *Holder) Reload(ctx context.Context) (*Handle, error) {
	name, err := h.layout.Current()
	if err != nil {
		if errors.Is(err, artifact.ErrNoGeneration) {
			return nil, ErrIndexNotReady
		}
		return nil, err
	}
	next, err := LoadGeneration(ctx, name, h.layout.Generation(name))
	if err != nil {
		return nil, err
	}
	h.current.Swap(next)
	return next, nil
}
