package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/imatrix"
)

func testHook(t *testing.T, outputFreq int) (*Hook, *imatrix.Collector) {
	t.Helper()
	cfg := config.Default()
	col := imatrix.NewCollector(outputFreq, 0, "test")
	return NewHook(col, cfg), col
}

func plainView(name string, rows, cols int) TensorView {
	return TensorView{
		WeightName: name,
		Op:         OpMulMat,
		DType:      F32,
		Data:       make([]float32, rows*cols),
		Rows:       rows,
		Cols:       cols,
	}
}

func TestInterested(t *testing.T) {
	h, _ := testHook(t, 10)

	tests := []struct {
		name string
		view TensorView
		want bool
	}{
		{"routed always collected", TensorView{WeightName: "blk.0.ffn_gate_exps.weight", Op: OpMulMatID}, true},
		{"plain layer tensor", plainView("blk.0.attn_q.weight", 16, 8), true},
		{"device decorated name", plainView("CUDA0#blk.3.attn_k.weight#0", 16, 8), true},
		{"small batch ignored", plainView("blk.0.attn_q.weight", 15, 8), false},
		{"non layer tensor", plainView("token_embd.weight", 16, 8), false},
		{"output tensor off by default", plainView("output.weight", 16, 8), false},
	}
	for _, tt := range tests {
		if got := h.Interested(tt.view); got != tt.want {
			t.Errorf("%s: Interested = %v, want %v", tt.name, got, tt.want)
		}
	}

	f16 := plainView("blk.0.attn_q.weight", 16, 8)
	f16.DType = F16
	if h.Interested(f16) {
		t.Error("non-f32 activations should not be collected")
	}
}

func TestInterestedProcessOutput(t *testing.T) {
	cfg := config.Default()
	cfg.ProcessOutput = true
	col := imatrix.NewCollector(10, 0, "test")
	h := NewHook(col, cfg)

	if !h.Interested(plainView("output.weight", 16, 8)) {
		t.Error("configured output tensor should be collected")
	}
	if h.Interested(plainView("token_embd.weight", 16, 8)) {
		t.Error("unrelated tensor collected")
	}
}

func TestCollectFeedsAccumulator(t *testing.T) {
	h, col := testHook(t, 10)

	v := plainView("CUDA0#blk.0.attn_q.weight#0", 16, 4)
	for i := range v.Data {
		v.Data[i] = 1
	}
	if err := h.Collect(v); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	e, ok := col.Peek("blk.0.attn_q.weight")
	if !ok {
		t.Fatal("entry not created under the filtered name")
	}
	if e.Counts[0] != 16 {
		t.Errorf("counts[0] = %d, want 16 (one per row)", e.Counts[0])
	}
	if e.NCall != 1 {
		t.Errorf("NCall = %d, want 1", e.NCall)
	}
}

func TestCollectRouted(t *testing.T) {
	h, col := testHook(t, 10)

	v := TensorView{
		WeightName: "blk.0.ffn_gate_exps.weight",
		Op:         OpMulMatID,
		DType:      F32,
		Data:       []float32{1, 2, 3, 4},
		Rows:       2,
		Cols:       2,
		NExperts:   4,
		ExpertIDs:  []int32{3, 1},
	}
	if err := h.Collect(v); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	e, ok := col.Peek("blk.0.ffn_gate_exps.weight")
	if !ok {
		t.Fatal("entry not created")
	}
	if len(e.Values) != 8 {
		t.Errorf("entry has %d elements, want 8 (2 cols x 4 experts)", len(e.Values))
	}
	if e.Counts[6] != 1 || e.Counts[2] != 1 {
		t.Errorf("selected expert blocks not updated: counts=%v", e.Counts)
	}
}

func TestCollectRejectsMalformedView(t *testing.T) {
	h, _ := testHook(t, 10)

	v := plainView("blk.0.attn_q.weight", 16, 4)
	v.Data = v.Data[:8] // shape lies about the buffer
	err := h.Collect(v)
	if !errors.Is(err, imatrix.ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestCollectFiresCheckpoint(t *testing.T) {
	h, _ := testHook(t, 1)

	var fired []int
	h.Checkpoint = func(trig imatrix.Trigger, call int) error {
		if !trig.Periodic {
			t.Errorf("expected a periodic trigger, got %+v", trig)
		}
		fired = append(fired, call)
		return nil
	}

	v := plainView("blk.0.attn_q.weight", 16, 4)
	if err := h.Collect(v); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if err := h.Collect(v); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 2 {
		t.Errorf("checkpoint calls = %v, want [1 2]", fired)
	}
}
