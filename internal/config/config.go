package config

import (
	"fmt"
)

// Config holds the parameters of one importance-matrix collection run.
type Config struct {
	// OutFile is the snapshot path. Numbered snapshots get a ".at_<n>"
	// suffix appended.
	OutFile string

	// ChunkSize is the number of tokens evaluated per chunk.
	ChunkSize int

	// BatchSize caps the number of tokens submitted to the evaluator at
	// once. Clamped to ChunkSize.
	BatchSize int

	// NumChunks limits how many chunks are processed. <0 means all.
	NumChunks int

	// FromChunk skips that many leading chunks of the token stream.
	FromChunk int

	// OutputFrequency triggers a periodic snapshot every N calls.
	OutputFrequency int

	// SaveFrequency triggers a numbered snapshot every N calls. 0 disables
	// numbered snapshots.
	SaveFrequency int

	// MinBatchRows is the row-count threshold below which plain matmul
	// inputs are not collected.
	MinBatchRows int

	ComputePPL bool
	ComputeLIM bool

	// ProcessOutput also collects the final output projection tensor.
	ProcessOutput    bool
	OutputTensorName string

	// SourceDescription is recorded in the snapshot trailer, typically the
	// corpus path the statistics were collected from.
	SourceDescription string

	// InFiles are prior snapshots merged into the accumulator before the
	// run starts.
	InFiles []string

	Verbosity int
}

func (c *Config) Validate() error {
	if c.OutFile == "" {
		return fmt.Errorf("invalid out_file: must not be empty")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk_size: %d (must be positive)", c.ChunkSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("invalid batch_size: %d (must be positive)", c.BatchSize)
	}
	if c.FromChunk < 0 {
		return fmt.Errorf("invalid from_chunk: %d (must be non-negative)", c.FromChunk)
	}
	if c.OutputFrequency <= 0 {
		return fmt.Errorf("invalid output_frequency: %d (must be positive)", c.OutputFrequency)
	}
	if c.SaveFrequency < 0 {
		return fmt.Errorf("invalid save_frequency: %d (must be non-negative, 0 disables)", c.SaveFrequency)
	}
	if c.MinBatchRows <= 0 {
		return fmt.Errorf("invalid min_batch_rows: %d (must be positive)", c.MinBatchRows)
	}
	if c.ProcessOutput && c.OutputTensorName == "" {
		return fmt.Errorf("invalid output_tensor_name: must not be empty when process_output is set")
	}
	if c.BatchSize > c.ChunkSize {
		c.BatchSize = c.ChunkSize
	}
	return nil
}

func Default() Config {
	return Config{
		OutFile:          "imatrix.dat",
		ChunkSize:        512,
		BatchSize:        512,
		NumChunks:        -1,
		OutputFrequency:  10,
		SaveFrequency:    0,
		MinBatchRows:     16,
		ComputePPL:       true,
		ComputeLIM:       true,
		OutputTensorName: "output.weight",
		Verbosity:        1,
	}
}
