package engine

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/imatrix"
)

// Hook implements the scheduler's two-phase observation callback. The
// scheduler first asks whether an operation's inputs should be captured;
// when Interested answers true, a follow-up Collect call delivers the
// actual buffers.
type Hook struct {
	col           *imatrix.Collector
	minRows       int
	processOutput bool
	outputName    string

	// Checkpoint, when set, is invoked after an observation crosses an
	// output- or save-frequency boundary.
	Checkpoint func(t imatrix.Trigger, call int) error
}

// NewHook wires a collector to the callback contract.
func NewHook(col *imatrix.Collector, cfg config.Config) *Hook {
	return &Hook{
		col:           col,
		minRows:       cfg.MinBatchRows,
		processOutput: cfg.ProcessOutput,
		outputName:    cfg.OutputTensorName,
	}
}

// Interested answers the ask phase. Indirect matmuls are always
// collected; plain matmuls only for f32 activations over the row
// threshold feeding layer weights (or the output projection when
// configured).
func (h *Hook) Interested(v TensorView) bool {
	if v.Op == OpMulMatID {
		return true
	}
	if v.Op != OpMulMat {
		return false
	}
	if v.Rows < h.minRows || v.DType != F32 {
		return false
	}
	name := imatrix.FilterTensorName(v.WeightName)
	if strings.HasPrefix(name, "blk.") {
		return true
	}
	return h.processOutput && name == h.outputName
}

// Collect folds the data phase into the accumulator and fires the
// checkpoint hook when the observation crossed a snapshot boundary.
func (h *Hook) Collect(v TensorView) error {
	if err := v.validate(); err != nil {
		return fmt.Errorf("%w: %v", imatrix.ErrUnrecoverable, err)
	}
	nAs := 1
	var ids []int32
	if v.Op == OpMulMatID {
		nAs = v.NExperts
		ids = v.ExpertIDs
	}
	trig, err := h.col.Observe(imatrix.FilterTensorName(v.WeightName), v.Data, v.Cols, nAs, ids)
	if err != nil {
		return err
	}
	if h.Checkpoint != nil && (trig.Periodic || trig.Numbered) {
		return h.Checkpoint(trig, h.col.LastCall())
	}
	return nil
}
