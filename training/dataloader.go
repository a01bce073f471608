package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/fuying-wang/fairseq-signals/models"
	"github.com/fuying-wang/fairseq-signals/tensor"
)

// Record is a single preprocessed ECG recording: a [leads, samples] signal
// with one binary target per label head.
type Record struct {
	ID     int64
	Source *tensor.Tensor
	Target []float32
}

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	Get(idx int) (*Record, error)
}

// DataLoader provides batching and shuffling over a Dataset, collating
// records into criterion-ready samples.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader. The seed only matters when
// shuffling.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive: %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0

	if dl.shuffle {
		for i := len(dl.indices) - 1; i > 0; i-- {
			j := dl.rng.Intn(i + 1)
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		}
	}
}

// Next returns the next collated sample, or nil at the end of the epoch.
func (dl *DataLoader) Next() (*models.Sample, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	return dl.collate(batchIndices)
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// collate stacks records into one [batch, leads, samples] source tensor
// and one [batch, labels] target tensor.
func (dl *DataLoader) collate(indices []int) (*models.Sample, error) {
	if len(indices) == 0 {
		return nil, fmt.Errorf("empty batch indices")
	}

	first, err := dl.dataset.Get(indices[0])
	if err != nil {
		return nil, fmt.Errorf("failed to load record %d: %v", indices[0], err)
	}
	if len(first.Source.Shape) != 2 {
		return nil, fmt.Errorf("record source must be [leads, samples], got shape %v", first.Source.Shape)
	}

	leads := first.Source.Shape[0]
	samples := first.Source.Shape[1]
	labels := len(first.Target)
	batch := len(indices)

	sourceData := make([]float32, batch*leads*samples)
	targetData := make([]float32, batch*labels)
	ids := make([]int64, batch)

	for b, idx := range indices {
		record := first
		if b > 0 {
			record, err = dl.dataset.Get(idx)
			if err != nil {
				return nil, fmt.Errorf("failed to load record %d: %v", idx, err)
			}
		}

		if record.Source.Shape[0] != leads || record.Source.Shape[1] != samples {
			return nil, fmt.Errorf("record %d shape %v differs from batch shape [%d %d]",
				idx, record.Source.Shape, leads, samples)
		}
		if len(record.Target) != labels {
			return nil, fmt.Errorf("record %d has %d targets, batch has %d", idx, len(record.Target), labels)
		}

		src, err := record.Source.Float32Data()
		if err != nil {
			return nil, err
		}
		copy(sourceData[b*leads*samples:], src)
		copy(targetData[b*labels:], record.Target)
		ids[b] = record.ID
	}

	source, err := tensor.NewTensor([]int{batch, leads, samples}, tensor.Float32, sourceData)
	if err != nil {
		return nil, err
	}
	target, err := tensor.NewTensor([]int{batch, labels}, tensor.Float32, targetData)
	if err != nil {
		return nil, err
	}

	return &models.Sample{
		ID:       ids,
		NetInput: models.NetInput{Source: source},
		Target:   target,
	}, nil
}
