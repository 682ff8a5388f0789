package perplexity

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
)

// Result holds the log-softmax outputs for one token position.
type Result struct {
	LogSoftmax float64
	Logit      float32
	Prob       float32
}

// LogSoftmax computes the log-softmax of the target token within one row
// of logits. The row maximum is subtracted before exponentiating and the
// exponential sum is carried in float64, so large logits stay stable.
func LogSoftmax(logits []float32, tok int) Result {
	max := logits[0]
	for _, v := range logits[1:] {
		if v > max {
			max = v
		}
	}
	var sumExp float64
	for _, v := range logits {
		sumExp += math.Exp(float64(v - max))
	}
	return Result{
		LogSoftmax: float64(logits[tok]-max) - math.Log(sumExp),
		Logit:      logits[tok],
		Prob:       float32(math.Exp(float64(logits[tok]-max)) / sumExp),
	}
}

// ProcessLogits reduces a window of nToken logit rows against the ground
// truth in tokens (tokens[i+1] is the target for row i). Per-row logit
// and probability land in the caller's history slices; the returned nll
// and nll2 are the window's sums of -log p and its square.
//
// Workers claim row indices from a shared counter, holding the lock only
// for the claim, so every row is processed exactly once and written to a
// disjoint slot. Each worker folds its local sums into the totals once,
// after the counter is exhausted. Pool size is NumCPU-1 goroutines plus
// the calling goroutine.
func ProcessLogits(nVocab int, logits []float32, tokens []int, nToken int, logitHistory, probHistory []float32) (nll, nll2 float64) {
	var mu sync.Mutex
	counter := 0

	compute := func() {
		var localNLL, localNLL2 float64
		for {
			mu.Lock()
			i := counter
			counter++
			if i >= nToken {
				nll += localNLL
				nll2 += localNLL2
				mu.Unlock()
				return
			}
			mu.Unlock()

			res := LogSoftmax(logits[i*nVocab:(i+1)*nVocab], tokens[i+1])
			v := -res.LogSoftmax
			localNLL += v
			localNLL2 += v * v
			logitHistory[i] = res.Logit
			probHistory[i] = res.Prob
		}
	}

	var wg sync.WaitGroup
	for k := 0; k < runtime.NumCPU()-1; k++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			compute()
		}()
	}
	compute()
	wg.Wait()
	return nll, nll2
}

// Estimator accumulates negative log-likelihood across chunks and
// derives the running and final perplexity estimates.
type Estimator struct {
	nll   float64
	nll2  float64
	count int
}

// Add folds one window's sums over n scored tokens into the estimate.
func (e *Estimator) Add(nll, nll2 float64, n int) {
	e.nll += nll
	e.nll2 += nll2
	e.count += n
}

// Count returns the number of tokens scored so far.
func (e *Estimator) Count() int { return e.count }

// Running returns exp of the mean negative log-likelihood so far.
func (e *Estimator) Running() float64 {
	return math.Exp(e.nll / float64(e.count))
}

// Final returns the perplexity point estimate with its standard error.
func (e *Estimator) Final() (ppl, stderr float64, err error) {
	if e.count < 2 {
		return 0, 0, fmt.Errorf("not enough tokens scored (%d)", e.count)
	}
	mean := e.nll / float64(e.count)
	variance := e.nll2/float64(e.count) - mean*mean
	ppl = math.Exp(mean)
	if variance <= 0 {
		return ppl, 0, errors.New("unexpected negative standard deviation of log(prob)")
	}
	stderr = math.Sqrt(variance/float64(e.count-1)) * ppl
	return ppl, stderr, nil
}
