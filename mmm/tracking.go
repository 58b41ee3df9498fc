package mmm

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/MergHQ/netsync/internal/utils"
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// CallSite is the location that requested an allocation
type CallSite struct {
	Function string
	File     string
	Line     int
}

func (s CallSite) String() string {
	return fmt.Sprintf("%s (%s:%d)", s.Function, s.File, s.Line)
}

func captureCallSite(skip int) CallSite {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{Function: "unknown"}
	}

	site := CallSite{File: file, Line: line, Function: "unknown"}
	if fn := runtime.FuncForPC(pc); fn != nil {
		site.Function = fn.Name()
	}
	return site
}

// OutstandingAllocation is a live allocation made through a TrackingAllocator
type OutstandingAllocation struct {
	Handle Handle
	Raw    bool
	Size   int
	Site   CallSite
}

type trackedAllocation struct {
	size int
	site CallSite
}

// TrackingAllocator wraps another Allocator and records the call site of every live allocation,
// so teardown can assert that nothing leaked. It is meant for tests and debug sessions; production
// code uses the wrapped allocator directly.
type TrackingAllocator struct {
	inner  Allocator
	logger *slog.Logger
	mutex  utils.OptionalMutex

	handles *swiss.Map[Handle, trackedAllocation]
	raw     *swiss.Map[uintptr, trackedAllocation]
}

func NewTrackingAllocator(logger *slog.Logger, inner Allocator) *TrackingAllocator {
	if logger == nil {
		logger = slog.Default()
	}

	return &TrackingAllocator{
		inner:   inner,
		logger:  logger,
		mutex:   utils.OptionalMutex{Enabled: true},
		handles: swiss.NewMap[Handle, trackedAllocation](16),
		raw:     swiss.NewMap[uintptr, trackedAllocation](16),
	}
}

func (t *TrackingAllocator) AllocHandle(size int) Handle {
	h := t.inner.AllocHandle(size)
	site := captureCallSite(1)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handles.Put(h, trackedAllocation{size: size, site: site})
	return h
}

func (t *TrackingAllocator) ResizeHandle(h Handle, size int) error {
	err := t.inner.ResizeHandle(h, size)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if tracked, ok := t.handles.Get(h); ok {
		tracked.size = size
		t.handles.Put(h, tracked)
	}
	return nil
}

func (t *TrackingAllocator) FreeHandle(h Handle) error {
	err := t.inner.FreeHandle(h)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.handles.Delete(h)
	return nil
}

func (t *TrackingAllocator) PinHandle(h Handle) []byte {
	return t.inner.PinHandle(h)
}

func (t *TrackingAllocator) HandleSize(h Handle) int {
	return t.inner.HandleSize(h)
}

func (t *TrackingAllocator) AllocRaw(size int) []byte {
	buf := t.inner.AllocRaw(size)
	site := captureCallSite(1)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.raw.Put(rawKey(buf), trackedAllocation{size: size, site: site})
	return buf
}

func (t *TrackingAllocator) FreeRaw(buf []byte) error {
	err := t.inner.FreeRaw(buf)
	if err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.raw.Delete(rawKey(buf))
	return nil
}

// Outstanding returns every live allocation, grouped by call site
func (t *TrackingAllocator) Outstanding() []OutstandingAllocation {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var outstanding []OutstandingAllocation
	t.handles.Iter(func(h Handle, tracked trackedAllocation) bool {
		outstanding = append(outstanding, OutstandingAllocation{Handle: h, Size: tracked.size, Site: tracked.site})
		return false
	})
	t.raw.Iter(func(_ uintptr, tracked trackedAllocation) bool {
		outstanding = append(outstanding, OutstandingAllocation{Raw: true, Size: tracked.size, Site: tracked.site})
		return false
	})

	slices.SortFunc(outstanding, func(a, b OutstandingAllocation) int {
		if c := strings.Compare(a.Site.File, b.Site.File); c != 0 {
			return c
		}
		if a.Site.Line != b.Site.Line {
			return a.Site.Line - b.Site.Line
		}
		if a.Handle < b.Handle {
			return -1
		}
		if a.Handle > b.Handle {
			return 1
		}
		return 0
	})
	return outstanding
}

// AssertNoLeaks logs every outstanding allocation and returns an error naming how many there are
func (t *TrackingAllocator) AssertNoLeaks() error {
	outstanding := t.Outstanding()
	if len(outstanding) == 0 {
		return nil
	}

	for _, allocation := range outstanding {
		t.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] allocation leaked",
			slog.String("handle", allocation.Handle.String()),
			slog.Bool("raw", allocation.Raw),
			slog.Int("size", allocation.Size),
			slog.String("site", allocation.Site.String()),
		)
	}

	return errors.Newf("%d allocations are still outstanding, first allocated at %s", len(outstanding), outstanding[0].Site)
}
