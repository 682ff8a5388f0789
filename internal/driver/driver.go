package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/engine"
	"github.com/23skdu/longbow-bodkin/internal/imatrix"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/23skdu/longbow-bodkin/internal/perplexity"
)

// Driver orchestrates one collection run: merging prior snapshots,
// chunked evaluation with periodic checkpoints, per-chunk perplexity and
// the final LIM pass. Primary output (perplexity progress, LIM table)
// goes to out; diagnostics go to the logger.
type Driver struct {
	cfg  config.Config
	col  *imatrix.Collector
	eval engine.Evaluator
	hook *engine.Hook
	out  io.Writer
}

func New(cfg config.Config, col *imatrix.Collector, eval engine.Evaluator, hook *engine.Hook, out io.Writer) *Driver {
	return &Driver{cfg: cfg, col: col, eval: eval, hook: hook, out: out}
}

// MergeInputs loads every configured prior snapshot into the accumulator,
// writing a combined snapshot when more than one was given.
func (d *Driver) MergeInputs() error {
	for _, path := range d.cfg.InFiles {
		logger.Log.Info("loading imatrix", "path", path)
		if err := d.col.LoadFile(path); err != nil {
			return err
		}
	}
	if len(d.cfg.InFiles) > 1 {
		logger.Log.Info("saving combined imatrix", "path", d.cfg.OutFile)
		return d.col.SaveFile(d.cfg.OutFile, 0)
	}
	return nil
}

// Run evaluates the token stream chunk by chunk, collecting statistics
// through the hook and scoring perplexity on the second half of each
// chunk. It returns a caller-reported error when the stream is too short
// for the configured chunk size.
func (d *Driver) Run(ctx context.Context, tokens []int) error {
	nCtx := d.cfg.ChunkSize

	if d.cfg.FromChunk > 0 {
		if (d.cfg.FromChunk+2)*nCtx >= len(tokens) {
			return fmt.Errorf("not enough tokens left after removing %d chunks", d.cfg.FromChunk)
		}
		logger.Log.Info("removing initial chunks",
			"chunks", d.cfg.FromChunk, "tokens", d.cfg.FromChunk*nCtx)
		tokens = tokens[d.cfg.FromChunk*nCtx:]
	}
	if len(tokens) < 2*nCtx {
		return fmt.Errorf("need at least %d tokens for a context of %d, stream has %d",
			2*nCtx, nCtx, len(tokens))
	}

	d.hook.Checkpoint = func(t imatrix.Trigger, call int) error {
		if t.Periodic {
			if err := d.col.SaveFile(d.cfg.OutFile, 0); err != nil {
				return err
			}
		}
		if t.Numbered {
			if err := d.col.SaveFile(d.cfg.OutFile, call); err != nil {
				return err
			}
		}
		return nil
	}

	nChunk := len(tokens) / nCtx
	if d.cfg.NumChunks >= 0 && d.cfg.NumChunks < nChunk {
		nChunk = d.cfg.NumChunks
	}
	nVocab := d.eval.VocabSize()
	nBatch := d.cfg.BatchSize
	if nBatch > nCtx {
		nBatch = nCtx
	}
	numBatches := (nCtx + nBatch - 1) / nBatch

	var est perplexity.Estimator
	var logitHistory, probHistory []float32
	if d.cfg.ComputePPL {
		logitHistory = make([]float32, len(tokens))
		probHistory = make([]float32, len(tokens))
	}

	logger.Log.Info("computing over chunks", "chunks", nChunk, "batch_size", nBatch)

	for i := 0; i < nChunk; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := i * nCtx
		tStart := time.Now()

		d.eval.Reset()

		var logits []float32
		if d.cfg.ComputePPL {
			logits = make([]float32, 0, nCtx*nVocab)
		}
		for j := 0; j < numBatches; j++ {
			batchStart := start + j*nBatch
			batchSize := nBatch
			if rem := start + nCtx - batchStart; rem < batchSize {
				batchSize = rem
			}
			out, err := d.eval.Eval(ctx, tokens[batchStart:batchStart+batchSize], j*nBatch)
			if err != nil {
				return fmt.Errorf("eval chunk %d batch %d: %w", i, j, err)
			}
			if d.cfg.ComputePPL {
				if len(out) != batchSize*nVocab {
					return fmt.Errorf("eval chunk %d batch %d returned %d logits, want %d",
						i, j, len(out), batchSize*nVocab)
				}
				logits = append(logits, out...)
			}
		}

		elapsed := time.Since(tStart)
		metrics.ChunksProcessed.Inc()
		metrics.ChunkDuration.Observe(elapsed.Seconds())
		metrics.TokensProcessed.Add(float64(nCtx))
		if i == 0 {
			logger.Log.Info("first pass timing",
				"seconds_per_pass", elapsed.Seconds(),
				"eta", (elapsed * time.Duration(nChunk)).Round(time.Second).String())
		}

		if d.cfg.ComputePPL {
			first := nCtx / 2
			n := nCtx - 1 - first
			nll, nll2 := perplexity.ProcessLogits(nVocab,
				logits[first*nVocab:], tokens[start+first:], n,
				logitHistory[start+first:], probHistory[start+first:])
			est.Add(nll, nll2, n)
			fmt.Fprintf(d.out, "[%d]%.4f,", i+1, est.Running())
		}
	}

	if d.cfg.ComputePPL {
		fmt.Fprintln(d.out)
		ppl, stderr, err := est.Final()
		if err != nil {
			logger.Log.Error("perplexity estimate unavailable", "error", err.Error())
		} else {
			fmt.Fprintf(d.out, "Final estimate: PPL = %.4f +/- %.5f\n", ppl, stderr)
		}
	}

	if err := d.col.SaveFile(d.cfg.OutFile, 0); err != nil {
		return err
	}
	if d.cfg.ComputeLIM {
		d.col.ComputeLIM(d.out)
	}
	return nil
}
