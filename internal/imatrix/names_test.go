package imatrix

import (
	"testing"
)

func TestFilterTensorName(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"device and split decoration", "CUDA0#blk.0.attn_k.weight#0", "blk.0.attn_k.weight"},
		{"plain name unchanged", "blk.1.ffn_gate.weight", "blk.1.ffn_gate.weight"},
		{"single hash keeps tail", "Metal#blk.3.ffn_up.weight", "blk.3.ffn_up.weight"},
		{"empty string", "", ""},
		{"leading hash", "#blk.5.attn_v.weight#1", "blk.5.attn_v.weight"},
		{"output tensor", "output.weight", "output.weight"},
	}

	for _, tt := range tests {
		if got := FilterTensorName(tt.raw); got != tt.want {
			t.Errorf("%s: FilterTensorName(%q) = %q, want %q", tt.name, tt.raw, got, tt.want)
		}
	}
}
