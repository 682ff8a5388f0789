package imatrix

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// LIMScore is the importance score of one layer within a tensor family.
// Score is the negative cosine similarity between this layer's last
// activation and the next layer's: higher means the layer output diverges
// more from its input. Skipped is non-empty when the pair could not be
// scored.
type LIMScore struct {
	Layer   int
	Score   float64
	Skipped string
}

// FamilyScores groups LIM scores per tensor family (the key with the
// layer number removed, e.g. "ffn_gate").
type FamilyScores struct {
	Family string
	Scores []LIMScore
	TooFew bool // fewer than 2 layers, nothing to score
}

// layerKey splits "blk.<N>.<family>.weight" into layer index and family.
func layerKey(name string) (int, string, bool) {
	parts := strings.Split(name, ".")
	if len(parts) < 4 || parts[0] != "blk" {
		return 0, "", false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	return n, strings.Join(parts[2:len(parts)-1], "."), true
}

type layerActs struct {
	layer int
	acts  []float64
}

// LIMScores computes Layer Importance Modification scores from the last
// observed activations, pairing each layer with its successor within a
// family.
func (c *Collector) LIMScores() []FamilyScores {
	c.mu.Lock()
	defer c.mu.Unlock()

	groups := make(map[string][]layerActs)
	for name, e := range c.stats {
		layer, family, ok := layerKey(name)
		if !ok {
			logger.Log.Debug("no layer index, not scoring", "tensor", name)
			continue
		}
		acts := make([]float64, len(e.Activations))
		for i, v := range e.Activations {
			acts[i] = float64(v)
		}
		groups[family] = append(groups[family], layerActs{layer: layer, acts: acts})
	}

	families := make([]string, 0, len(groups))
	for family := range groups {
		families = append(families, family)
	}
	sort.Strings(families)

	out := make([]FamilyScores, 0, len(families))
	for _, family := range families {
		layers := groups[family]
		sort.Slice(layers, func(i, j int) bool { return layers[i].layer < layers[j].layer })

		fs := FamilyScores{Family: family}
		if len(layers) < 2 {
			fs.TooFew = true
			out = append(out, fs)
			continue
		}
		for i := 0; i+1 < len(layers); i++ {
			in, next := layers[i], layers[i+1]
			if len(in.acts) != len(next.acts) {
				fs.Scores = append(fs.Scores, LIMScore{
					Layer:   in.layer,
					Skipped: fmt.Sprintf("dimension mismatch: %d vs %d", len(in.acts), len(next.acts)),
				})
				continue
			}
			inMag := floats.Norm(in.acts, 2)
			outMag := floats.Norm(next.acts, 2)
			if inMag == 0 || outMag == 0 {
				fs.Scores = append(fs.Scores, LIMScore{Layer: in.layer, Skipped: "zero magnitude"})
				continue
			}
			cos := floats.Dot(in.acts, next.acts) / (inMag * outMag)
			fs.Scores = append(fs.Scores, LIMScore{Layer: in.layer, Score: -cos})
		}
		out = append(out, fs)
	}
	return out
}

// ComputeLIM renders the LIM score table to w. Diagnostics go to the
// logger so w stays machine-consumable.
func (c *Collector) ComputeLIM(w io.Writer) {
	if c.Len() == 0 {
		logger.Log.Error("no data collected, cannot compute LIM scores")
		return
	}
	fmt.Fprintf(w, "\n===\n")
	fmt.Fprintf(w, "Computing Layer Importance Modification (LIM) Scores...\n")

	for _, fs := range c.LIMScores() {
		fmt.Fprintf(w, "\nTensor: %s\n", fs.Family)
		fmt.Fprintf(w, "Layer\tLIM Score\n")
		fmt.Fprintf(w, "-----\t---------\n")
		if fs.TooFew {
			fmt.Fprintf(w, "(Need at least 2 layers to compute LIM scores)\n")
			continue
		}
		for _, s := range fs.Scores {
			if s.Skipped != "" {
				fmt.Fprintf(w, "%d\t(skipped - %s)\n", s.Layer, s.Skipped)
				continue
			}
			fmt.Fprintf(w, "%d\t%.4f\n", s.Layer, s.Score)
		}
	}
}
