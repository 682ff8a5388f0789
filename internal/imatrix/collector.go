package imatrix

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// ErrUnrecoverable marks consistency or numerical corruption of the
// accumulated statistics. Callers must not continue the run past it:
// partial importance data is worse than none.
var ErrUnrecoverable = errors.New("unrecoverable accumulator state")

// Stats holds the running statistics for one tensor. For routed tensors
// the slices are partitioned into NAs contiguous expert blocks of equal
// size; Values and Counts always have the same length and never change
// length once sized.
type Stats struct {
	Activations []float32 // most recent raw activation per element, overwritten each batch
	Values      []float32 // per-element sums of squared activations
	Counts      []int32   // per-element observation counts
	NCall       int       // observation batches folded in
	NAs         int       // expert count, 1 for plain tensors
}

// Trigger is the checkpoint decision produced when an observation pushes
// the accumulator past an output- or save-frequency boundary.
type Trigger struct {
	Periodic bool // rewrite the main snapshot
	Numbered bool // additionally write a numbered snapshot
}

// CheckpointTrigger is the snapshot policy. A periodic snapshot is due on
// every outputFreq-th call, a numbered one on every saveFreq-th call;
// saveFreq 0 disables numbered snapshots.
func CheckpointTrigger(callCount, outputFreq, saveFreq int) Trigger {
	var t Trigger
	if outputFreq > 0 && callCount%outputFreq == 0 {
		t.Periodic = true
	}
	if saveFreq > 0 && callCount%saveFreq == 0 {
		t.Numbered = true
	}
	return t
}

// Collector accumulates per-tensor activation statistics. All mutation is
// serialized under one mutex for the full duration of an observation;
// each observation already does O(elements) work, so the lock is not the
// bottleneck.
type Collector struct {
	mu         sync.Mutex
	stats      map[string]*Stats
	lastCall   int
	outputFreq int
	saveFreq   int
	sourceDesc string
}

// NewCollector creates an empty accumulator. sourceDesc describes the
// corpus the statistics come from and is recorded in every snapshot.
func NewCollector(outputFreq, saveFreq int, sourceDesc string) *Collector {
	return &Collector{
		stats:      make(map[string]*Stats),
		outputFreq: outputFreq,
		saveFreq:   saveFreq,
		sourceDesc: sourceDesc,
	}
}

// LastCall returns the maximum NCall across all entries.
func (c *Collector) LastCall() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCall
}

// Len returns the number of tensor entries currently tracked.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stats)
}

// Observe folds one batch of activations into the entry for name. data is
// rows of width cols; for routed tensors expertIDs carries the selected
// expert per row and the entry covers nAs expert blocks. The returned
// Trigger is non-zero when this batch crossed a checkpoint boundary.
//
// Errors wrapping ErrUnrecoverable indicate corrupted state: a length
// mismatch against an established entry (detected before any mutation),
// an out-of-range expert id, or a non-finite accumulated sum.
func (c *Collector) Observe(name string, data []float32, cols, nAs int, expertIDs []int32) (Trigger, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cols <= 0 || len(data) == 0 || len(data)%cols != 0 {
		return Trigger{}, fmt.Errorf("%w: bad activation shape for %s (%d values, %d cols)",
			ErrUnrecoverable, name, len(data), cols)
	}
	rows := len(data) / cols
	routed := expertIDs != nil
	if routed {
		if nAs < 1 {
			return Trigger{}, fmt.Errorf("%w: routed tensor %s with expert count %d", ErrUnrecoverable, name, nAs)
		}
		if len(expertIDs) != rows {
			return Trigger{}, fmt.Errorf("%w: %s has %d rows but %d expert ids",
				ErrUnrecoverable, name, rows, len(expertIDs))
		}
		// validated up front so a bad id cannot leave a half-updated entry
		for _, id := range expertIDs {
			if id < 0 || int(id) >= nAs {
				return Trigger{}, fmt.Errorf("%w: expert id %d out of range [0,%d) for %s",
					ErrUnrecoverable, id, nAs, name)
			}
		}
	} else {
		nAs = 1
	}

	want := cols * nAs
	e, ok := c.stats[name]
	if !ok {
		e = &Stats{
			Activations: make([]float32, want),
			Values:      make([]float32, want),
			Counts:      make([]int32, want),
			NAs:         nAs,
		}
		c.stats[name] = e
		metrics.TensorsTracked.Set(float64(len(c.stats)))
	} else {
		if len(e.Values) != want {
			return Trigger{}, fmt.Errorf("%w: inconsistent size for %s (%d vs %d)",
				ErrUnrecoverable, name, len(e.Values), want)
		}
		if e.NAs != nAs {
			logger.Log.Warn("inconsistent expert count", "tensor", name, "have", e.NAs, "got", nAs)
			e.NAs = nAs
		}
	}

	e.NCall++
	kind := "plain"
	if routed {
		kind = "routed"
	}
	metrics.ObservationsTotal.WithLabelValues(kind).Inc()

	for row := 0; row < rows; row++ {
		start := 0
		if routed {
			start = int(expertIDs[row]) * cols
		}
		x := data[row*cols : (row+1)*cols]
		for j, v := range x {
			e.Activations[start+j] = v
			e.Values[start+j] += v * v
			e.Counts[start+j]++
			if !isFinite(e.Values[start+j]) {
				metrics.NumericalInstability.WithLabelValues(name, "sum").Inc()
				return Trigger{}, fmt.Errorf("%w: %f detected in %s",
					ErrUnrecoverable, e.Values[start+j], name)
			}
		}
	}

	logger.Log.Debug("collected activations",
		"tensor", name, "rows", rows, "cols", cols, "experts", nAs, "ncall", e.NCall)

	var trig Trigger
	if e.NCall > c.lastCall {
		c.lastCall = e.NCall
		trig = CheckpointTrigger(c.lastCall, c.outputFreq, c.saveFreq)
	}
	return trig, nil
}

// Peek returns a copy of the entry for name, for inspection only.
func (c *Collector) Peek(name string) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.stats[name]
	if !ok {
		return Stats{}, false
	}
	cp := Stats{
		Activations: append([]float32(nil), e.Activations...),
		Values:      append([]float32(nil), e.Values...),
		Counts:      append([]int32(nil), e.Counts...),
		NCall:       e.NCall,
		NAs:         e.NAs,
	}
	return cp, true
}

func (c *Collector) resetLocked() {
	c.stats = make(map[string]*Stats)
	c.lastCall = 0
	metrics.TensorsTracked.Set(0)
}

func isFinite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
