package imatrix

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodedValueEqualsSquaredActivationForSingleCall(t *testing.T) {
	c := NewCollector(10, 0, "test")
	if _, err := c.Observe("blk.0.attn_k.weight", []float32{1, 2, 3}, 3, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	entries := c.ExportEntries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	// ncall=1, counts all 1: (v/1)*1 is the raw squared activation.
	want := []float32{1, 4, 9}
	for i, v := range entries[0].Values {
		if v != want[i] {
			t.Errorf("values[%d] = %v, want %v", i, v, want[i])
		}
	}
	if entries[0].NCall != 1 {
		t.Errorf("NCall = %d, want 1", entries[0].NCall)
	}
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	a := NewCollector(10, 0, "corpus.txt")
	if _, err := a.Observe("blk.0.attn_k.weight", []float32{1, 2, 3, 4}, 4, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if _, err := a.Observe("blk.1.attn_k.weight", []float32{5, 6, 7, 8}, 4, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	var first bytes.Buffer
	if err := a.WriteTo(&first); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	b := NewCollector(10, 0, "corpus.txt")
	if err := b.ReadFrom(bytes.NewReader(first.Bytes())); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	var second bytes.Buffer
	if err := b.WriteTo(&second); err != nil {
		t.Fatalf("re-encode failed: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Errorf("round trip not byte-identical: %d vs %d bytes", first.Len(), second.Len())
	}
}

func TestMergeOrderDoesNotMatter(t *testing.T) {
	mk := func() *Collector {
		c := NewCollector(10, 0, "test")
		if _, err := c.Observe("blk.0.attn_k.weight", []float32{1, 2}, 2, 1, nil); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		return c
	}

	var snapA, snapB bytes.Buffer
	a := mk()
	// Give the two snapshots different call counts and sums.
	if _, err := a.Observe("blk.0.attn_k.weight", []float32{3, 4}, 2, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if err := a.WriteTo(&snapA); err != nil {
		t.Fatalf("encode A failed: %v", err)
	}
	if err := mk().WriteTo(&snapB); err != nil {
		t.Fatalf("encode B failed: %v", err)
	}

	ab := NewCollector(10, 0, "test")
	if err := ab.ReadFrom(bytes.NewReader(snapA.Bytes())); err != nil {
		t.Fatalf("merge A failed: %v", err)
	}
	if err := ab.ReadFrom(bytes.NewReader(snapB.Bytes())); err != nil {
		t.Fatalf("merge B failed: %v", err)
	}

	ba := NewCollector(10, 0, "test")
	if err := ba.ReadFrom(bytes.NewReader(snapB.Bytes())); err != nil {
		t.Fatalf("merge B failed: %v", err)
	}
	if err := ba.ReadFrom(bytes.NewReader(snapA.Bytes())); err != nil {
		t.Fatalf("merge A failed: %v", err)
	}

	eab, _ := ab.Peek("blk.0.attn_k.weight")
	eba, _ := ba.Peek("blk.0.attn_k.weight")
	if eab.NCall != eba.NCall {
		t.Errorf("NCall differs by merge order: %d vs %d", eab.NCall, eba.NCall)
	}
	for j := range eab.Values {
		if eab.Values[j] != eba.Values[j] {
			t.Errorf("values[%d] differs by merge order: %v vs %v", j, eab.Values[j], eba.Values[j])
		}
		if eab.Counts[j] != eba.Counts[j] {
			t.Errorf("counts[%d] differs by merge order: %d vs %d", j, eab.Counts[j], eba.Counts[j])
		}
	}
}

// routedEntry builds a routed entry with the given number of experts of
// width 2, where the listed experts have no observations at all.
func routedEntry(nAs int, ncall int, missing ...int) *Stats {
	isMissing := make(map[int]bool)
	for _, m := range missing {
		isMissing[m] = true
	}
	n := 2 * nAs
	e := &Stats{
		Activations: make([]float32, n),
		Values:      make([]float32, n),
		Counts:      make([]int32, n),
		NCall:       ncall,
		NAs:         nAs,
	}
	for i := 0; i < nAs; i++ {
		if isMissing[i] {
			continue
		}
		for j := 2 * i; j < 2*(i+1); j++ {
			e.Values[j] = 2
			e.Counts[j] = int32(ncall)
		}
	}
	return e
}

func TestSavePolicyPartialData(t *testing.T) {
	c := NewCollector(10, 0, "test")
	c.stats["empty"] = &Stats{
		Activations: make([]float32, 4),
		Values:      make([]float32, 4),
		Counts:      make([]int32, 4),
		NCall:       3,
		NAs:         1,
	}
	c.stats["plain.partial"] = &Stats{
		Activations: []float32{1, 2},
		Values:      []float32{1, 0},
		Counts:      []int32{1, 0},
		NCall:       1,
		NAs:         1,
	}
	// 20 experts, 1 missing: round(20*0.05) = 1, and 1 < 1 is false.
	c.stats["blk.0.at_threshold"] = routedEntry(20, 2, 7)
	// 40 experts, 1 missing: 1 < round(40*0.05) = 2, repaired.
	c.stats["blk.0.below_threshold"] = routedEntry(40, 2, 7)
	// Fully populated survives verbatim.
	c.stats["blk.0.full"] = routedEntry(4, 2)

	entries := c.ExportEntries()
	byName := make(map[string]ExportEntry)
	for _, e := range entries {
		byName[e.Name] = e
	}

	if _, ok := byName["empty"]; ok {
		t.Error("entry with no data was stored")
	}
	if _, ok := byName["plain.partial"]; ok {
		t.Error("plain entry with partial data was stored")
	}
	if _, ok := byName["blk.0.at_threshold"]; ok {
		t.Error("routed entry at the bad-expert threshold was stored")
	}

	repaired, ok := byName["blk.0.below_threshold"]
	if !ok {
		t.Fatal("routed entry below the bad-expert threshold was dropped")
	}
	// The missing expert block is forced to counts=1, values=1, so its
	// stored value is (1/1)*ncall = 2.
	for j := 14; j < 16; j++ {
		if repaired.Values[j] != 2 {
			t.Errorf("repaired values[%d] = %v, want 2", j, repaired.Values[j])
		}
	}
	// An exercised expert stores (2/2)*2 = 2 as well, via real counts.
	if repaired.Values[0] != 2 {
		t.Errorf("values[0] = %v, want 2", repaired.Values[0])
	}

	if _, ok := byName["blk.0.full"]; !ok {
		t.Error("fully populated entry was dropped")
	}
}

func TestTruncatedSnapshotInvalidatesState(t *testing.T) {
	a := NewCollector(10, 0, "test")
	if _, err := a.Observe("blk.0.attn_k.weight", []float32{1, 2, 3, 4}, 4, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	var snap bytes.Buffer
	if err := a.WriteTo(&snap); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	b := NewCollector(10, 0, "test")
	if _, err := b.Observe("blk.9.attn_v.weight", []float32{1, 1}, 2, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	truncated := snap.Bytes()[:snap.Len()/2]
	err := b.ReadFrom(bytes.NewReader(truncated))
	if !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("expected ErrUnrecoverable, got %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("accumulator kept %d entries after failed merge, want 0", b.Len())
	}
}

func TestLoadFileOpenFailureKeepsState(t *testing.T) {
	c := NewCollector(10, 0, "test")
	if _, err := c.Observe("blk.0.attn_k.weight", []float32{1, 2}, 2, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	err := c.LoadFile(filepath.Join(t.TempDir(), "missing.dat"))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if errors.Is(err, ErrUnrecoverable) {
		t.Errorf("open failure should be caller-reported, not unrecoverable: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("state disturbed by failed open: %d entries", c.Len())
	}
}

func TestSaveFileNumberedSnapshot(t *testing.T) {
	dir := t.TempDir()
	c := NewCollector(10, 0, "test")
	if _, err := c.Observe("blk.0.attn_k.weight", []float32{1, 2}, 2, 1, nil); err != nil {
		t.Fatalf("Observe failed: %v", err)
	}

	out := filepath.Join(dir, "imatrix.dat")
	if err := c.SaveFile(out, 0); err != nil {
		t.Fatalf("SaveFile failed: %v", err)
	}
	if err := c.SaveFile(out, 30); err != nil {
		t.Fatalf("numbered SaveFile failed: %v", err)
	}

	if _, err := os.Stat(out); err != nil {
		t.Errorf("main snapshot missing: %v", err)
	}
	if _, err := os.Stat(out + ".at_30"); err != nil {
		t.Errorf("numbered snapshot missing: %v", err)
	}

	// A fresh collector loads the numbered snapshot back losslessly.
	d := NewCollector(10, 0, "test")
	if err := d.LoadFile(out + ".at_30"); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	e, ok := d.Peek("blk.0.attn_k.weight")
	if !ok {
		t.Fatal("entry missing after reload")
	}
	if e.Values[0] != 1 || e.Values[1] != 4 {
		t.Errorf("reloaded values = %v, want [1 4]", e.Values)
	}
}
