package engine

import (
	"context"
)

// Stub is a deterministic in-process Evaluator. The real engine lives in
// a separate process tree; the stub exists so the driver and its tests
// have something to run against.
type Stub struct {
	Vocab int
	// OnEval, when set, is called for every batch; tests use it to replay
	// canned observations through a Hook.
	OnEval func(tokens []int, pos int)
	// LogitRow, when set, supplies the logits row for a token; otherwise
	// rows are all zeros (a uniform distribution).
	LogitRow func(token int) []float32
}

func (s *Stub) Eval(ctx context.Context, tokens []int, pos int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.OnEval != nil {
		s.OnEval(tokens, pos)
	}
	out := make([]float32, len(tokens)*s.Vocab)
	if s.LogitRow != nil {
		for i, tok := range tokens {
			copy(out[i*s.Vocab:(i+1)*s.Vocab], s.LogitRow(tok))
		}
	}
	return out, nil
}

func (s *Stub) Reset() {}

func (s *Stub) VocabSize() int { return s.Vocab }

func (s *Stub) Close() error { return nil }
