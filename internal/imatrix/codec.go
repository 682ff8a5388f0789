package imatrix

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Snapshot layout, little-endian throughout:
//
//	int32 entry_count
//	per entry: int32 name_len, name bytes, int32 ncall, int32 nval, float32 values[nval]
//	int32 last_call
//	int32 source_len, source bytes
//
// values[i] is (sum_of_squares[i] / counts[i]) * ncall, a count-weighted
// mean scaled back by ncall so later merges reconstitute accumulation by
// simple addition.

// ExportEntry is one tensor's persisted projection: the same derived
// values the snapshot stores.
type ExportEntry struct {
	Name   string
	NCall  int32
	Values []float32
}

// savePlanLocked applies the partial-data policy and derives the values
// to persist. Entries with no data are dropped; plain entries with
// partial data are dropped; routed entries missing fewer than
// round(nAs*0.05) experts are repaired by forcing the whole missing
// expert block to unit stats (a documented approximation, not an
// average), anything worse is dropped. Entries come out sorted by name so
// snapshots are deterministic.
func (c *Collector) savePlanLocked() []ExportEntry {
	names := make([]string, 0, len(c.stats))
	for name := range c.stats {
		names = append(names, name)
	}
	sort.Strings(names)

	kept := make([]ExportEntry, 0, len(names))
	for _, name := range names {
		e := c.stats[name]
		nAll := len(e.Counts)
		if nAll == 0 {
			continue
		}
		nZeros := 0
		for _, ct := range e.Counts {
			if ct == 0 {
				nZeros++
			}
		}
		if nZeros == nAll {
			logger.Log.Warn("entry has no data, skipping", "tensor", name)
			metrics.SnapshotEntriesDropped.WithLabelValues("empty").Inc()
			continue
		}

		counts := e.Counts
		values := e.Values
		if nZeros > 0 {
			coverage := 100 * float64(nAll-nZeros) / float64(nAll)
			if e.NAs <= 1 {
				logger.Log.Warn("entry has partial data, skipping",
					"tensor", name, "coverage_pct", coverage)
				metrics.SnapshotEntriesDropped.WithLabelValues("partial").Inc()
				continue
			}
			perExpert := nAll / e.NAs
			var bad []int
			for i := 0; i < e.NAs; i++ {
				for _, ct := range e.Counts[i*perExpert : (i+1)*perExpert] {
					if ct == 0 {
						bad = append(bad, i)
						break
					}
				}
			}
			if !(float64(len(bad)) < math.Round(float64(e.NAs)*0.05)) {
				logger.Log.Warn("entry is missing too many experts, skipping",
					"tensor", name, "missing", len(bad), "experts", e.NAs, "coverage_pct", coverage)
				metrics.SnapshotEntriesDropped.WithLabelValues("experts").Inc()
				continue
			}
			logger.Log.Warn("entry has partial data, storing with repaired experts",
				"tensor", name, "missing", len(bad), "experts", e.NAs, "coverage_pct", coverage)
			metrics.SnapshotEntriesRepaired.Inc()
			counts = append([]int32(nil), e.Counts...)
			values = append([]float32(nil), e.Values...)
			for _, i := range bad {
				for j := i * perExpert; j < (i+1)*perExpert; j++ {
					counts[j] = 1
					values[j] = 1
				}
			}
		}

		derived := make([]float32, nAll)
		for i := range derived {
			derived[i] = (values[i] / float32(counts[i])) * float32(e.NCall)
		}
		kept = append(kept, ExportEntry{Name: name, NCall: int32(e.NCall), Values: derived})
	}
	return kept
}

// ExportEntries returns the persisted projection of the current state,
// subject to the same partial-data policy as a snapshot.
func (c *Collector) ExportEntries() []ExportEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.savePlanLocked()
}

// WriteTo encodes the current state to w.
func (c *Collector) WriteTo(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(w)
}

func (c *Collector) writeLocked(w io.Writer) error {
	kept := c.savePlanLocked()
	if len(kept) < len(c.stats) {
		logger.Log.Warn("storing only part of the entries",
			"kept", len(kept), "total", len(c.stats))
	}

	if err := binary.Write(w, binary.LittleEndian, int32(len(kept))); err != nil {
		return fmt.Errorf("writing entry count: %w", err)
	}
	lastCall := int32(0)
	for _, k := range kept {
		if err := writeString(w, k.Name); err != nil {
			return fmt.Errorf("writing name for %s: %w", k.Name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, k.NCall); err != nil {
			return fmt.Errorf("writing ncall for %s: %w", k.Name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, int32(len(k.Values))); err != nil {
			return fmt.Errorf("writing value count for %s: %w", k.Name, err)
		}
		if err := binary.Write(w, binary.LittleEndian, k.Values); err != nil {
			return fmt.Errorf("writing values for %s: %w", k.Name, err)
		}
		if k.NCall > lastCall {
			lastCall = k.NCall
		}
	}
	if err := binary.Write(w, binary.LittleEndian, lastCall); err != nil {
		return fmt.Errorf("writing last call: %w", err)
	}
	if err := writeString(w, c.sourceDesc); err != nil {
		return fmt.Errorf("writing source description: %w", err)
	}
	return nil
}

// SaveFile writes a snapshot to path. ncall > 0 writes a numbered
// snapshot at path.at_<ncall> instead.
func (c *Collector) SaveFile(path string, ncall int) error {
	kind := "periodic"
	if ncall > 0 {
		path = path + ".at_" + strconv.Itoa(ncall)
		kind = "numbered"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create imatrix %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	if err := c.writeLocked(w); err != nil {
		f.Close()
		return fmt.Errorf("write imatrix %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush imatrix %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close imatrix %s: %w", path, err)
	}

	metrics.SnapshotWritesTotal.WithLabelValues(kind).Inc()
	logger.Log.Info("stored collected data", "chunks", c.lastCall, "path", path)
	return nil
}

// ReadFrom decodes a snapshot from r and merges it into the accumulator.
// Merging is additive: values add onto the running sums and every element
// count is bumped uniformly by the entry's ncall, since the on-disk
// representation has no per-element counts left. Any malformed or
// truncated input invalidates the whole accumulator and returns an error
// wrapping ErrUnrecoverable; partial statistics are never kept.
func (c *Collector) ReadFrom(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mergeLocked(r); err != nil {
		c.resetLocked()
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	metrics.TensorsTracked.Set(float64(len(c.stats)))
	return nil
}

// LoadFile merges the snapshot at path into the accumulator. A file that
// cannot be opened is a caller-reported failure and leaves the state
// untouched; anything that goes wrong after that is unrecoverable.
func (c *Collector) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open imatrix %s: %w", path, err)
	}
	defer f.Close()
	if err := c.ReadFrom(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("merge imatrix %s: %w", path, err)
	}
	metrics.MergedSnapshotsTotal.Inc()
	return nil
}

func (c *Collector) mergeLocked(r io.Reader) error {
	var nEntries int32
	if err := binary.Read(r, binary.LittleEndian, &nEntries); err != nil {
		return fmt.Errorf("reading entry count: %w", err)
	}
	if nEntries < 1 {
		return fmt.Errorf("no entries (%d)", nEntries)
	}

	for i := int32(0); i < nEntries; i++ {
		name, err := readString(r)
		if err != nil {
			return fmt.Errorf("reading name for entry %d: %w", i+1, err)
		}
		var ncall, nval int32
		if err := binary.Read(r, binary.LittleEndian, &ncall); err != nil {
			return fmt.Errorf("reading ncall for %s: %w", name, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &nval); err != nil {
			return fmt.Errorf("reading value count for %s: %w", name, err)
		}
		if nval < 1 {
			return fmt.Errorf("bad value count %d for %s", nval, name)
		}

		e, ok := c.stats[name]
		if !ok {
			e = &Stats{
				Activations: make([]float32, nval),
				Values:      make([]float32, nval),
				Counts:      make([]int32, nval),
				NAs:         1,
			}
			c.stats[name] = e
		} else if len(e.Values) != int(nval) {
			return fmt.Errorf("inconsistent size for %s (%d vs %d)", name, len(e.Values), nval)
		}

		vals := make([]float32, nval)
		if err := binary.Read(r, binary.LittleEndian, vals); err != nil {
			return fmt.Errorf("reading values for %s: %w", name, err)
		}
		for j := range vals {
			e.Values[j] += vals[j]
			e.Counts[j] += ncall
		}
		e.NCall += int(ncall)
		if e.NCall > c.lastCall {
			c.lastCall = e.NCall
		}
	}

	var lastCall int32
	if err := binary.Read(r, binary.LittleEndian, &lastCall); err != nil {
		return fmt.Errorf("reading last call: %w", err)
	}
	source, err := readString(r)
	if err != nil {
		return fmt.Errorf("reading source description: %w", err)
	}

	logger.Log.Info("merged imatrix data",
		"entries", nEntries, "last_call", lastCall, "source", source)
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(s))); err != nil {
		return err
	}
	_, err := w.Write([]byte(s))
	return err
}

func readString(r io.Reader) (string, error) {
	var n int32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("negative string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
