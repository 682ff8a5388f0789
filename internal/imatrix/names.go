package imatrix

import "strings"

// FilterTensorName strips backend decoration from a raw tensor identifier.
// Schedulers name split tensors as device#name#index:
// "CUDA0#blk.0.attn_k.weight#0" => "blk.0.attn_k.weight"
func FilterTensorName(name string) string {
	i := strings.IndexByte(name, '#')
	if i < 0 {
		return name
	}
	rest := name[i+1:]
	if j := strings.IndexByte(rest, '#'); j >= 0 {
		return rest[:j]
	}
	return rest
}
