package engine

import (
	"context"
	"fmt"
)

// Op identifies the instrumented graph operation kind.
type Op int

const (
	OpMulMat   Op = iota // plain matrix multiplication
	OpMulMatID           // indirect (expert-routed) matrix multiplication
)

// DType is the element type of an operation's activation input.
type DType int

const (
	F32 DType = iota
	F16
	Quantized
)

// TensorView is one instrumented operation's input as handed over by the
// scheduler: the secondary (activation) operand staged in host memory,
// plus the expert routing for indirect matmuls. The view carries explicit
// row/column extents instead of raw strides, so indexing is bounds
// checked before anything touches the accumulator.
type TensorView struct {
	WeightName string // raw weight name, may carry device decoration
	Op         Op
	DType      DType
	Data       []float32
	Rows       int
	Cols       int
	NExperts   int     // OpMulMatID only
	ExpertIDs  []int32 // one selected expert per row, OpMulMatID only
	HostCopied bool    // buffer was copied down from device memory
}

func (v TensorView) validate() error {
	if v.Rows <= 0 || v.Cols <= 0 {
		return fmt.Errorf("tensor %s has degenerate shape %dx%d", v.WeightName, v.Rows, v.Cols)
	}
	if len(v.Data) != v.Rows*v.Cols {
		return fmt.Errorf("tensor %s has %d values for shape %dx%d",
			v.WeightName, len(v.Data), v.Rows, v.Cols)
	}
	if v.Op == OpMulMatID && len(v.ExpertIDs) != v.Rows {
		return fmt.Errorf("tensor %s has %d rows but %d expert ids",
			v.WeightName, v.Rows, len(v.ExpertIDs))
	}
	return nil
}

// Evaluator is the model execution boundary. The engine owns weights,
// tokenization and graph scheduling; this module only consumes the
// logits it returns and the observation callbacks it fires while
// evaluating.
type Evaluator interface {
	// Eval runs one batch of tokens starting at sequence position pos and
	// returns one row of vocab-width logits per token.
	Eval(ctx context.Context, tokens []int, pos int) ([]float32, error)
	// Reset clears sequence state (KV cache) between chunks.
	Reset()
	VocabSize() int
	Close() error
}
