package training

import (
	"fmt"
	"testing"

	"github.com/fuying-wang/fairseq-signals/tensor"
)

type sliceDataset struct {
	records []*Record
}

func (d *sliceDataset) Len() int { return len(d.records) }

func (d *sliceDataset) Get(idx int) (*Record, error) {
	if idx < 0 || idx >= len(d.records) {
		return nil, fmt.Errorf("index %d out of range", idx)
	}
	return d.records[idx], nil
}

func makeRecord(id int64, fill float32, target float32) *Record {
	data := make([]float32, 2*4)
	for i := range data {
		data[i] = fill
	}
	source, _ := tensor.NewTensor([]int{2, 4}, tensor.Float32, data)
	return &Record{ID: id, Source: source, Target: []float32{target}}
}

func TestDataLoaderBatching(t *testing.T) {
	ds := &sliceDataset{records: []*Record{
		makeRecord(0, 1, 1),
		makeRecord(1, 2, 0),
		makeRecord(2, 3, 1),
	}}

	dl, err := NewDataLoader(ds, 2, false, 1)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	if dl.Len() != 2 {
		t.Errorf("expected 2 batches, got %d", dl.Len())
	}

	dl.Reset()
	first, err := dl.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if first.NetInput.Source.Shape[0] != 2 {
		t.Errorf("expected batch of 2, got shape %v", first.NetInput.Source.Shape)
	}
	if len(first.ID) != 2 || first.ID[0] != 0 || first.ID[1] != 1 {
		t.Errorf("unexpected ids %v", first.ID)
	}

	second, err := dl.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if second.NetInput.Source.Shape[0] != 1 {
		t.Errorf("expected trailing batch of 1, got shape %v", second.NetInput.Source.Shape)
	}

	third, err := dl.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if third != nil {
		t.Error("expected nil at end of epoch")
	}
}

func TestDataLoaderCollation(t *testing.T) {
	ds := &sliceDataset{records: []*Record{
		makeRecord(0, 1, 1),
		makeRecord(1, 2, 0),
	}}

	dl, err := NewDataLoader(ds, 2, false, 1)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	dl.Reset()

	sample, err := dl.Next()
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}

	src, _ := sample.NetInput.Source.Float32Data()
	if src[0] != 1 || src[8] != 2 {
		t.Errorf("collated source out of order: first=%f second=%f", src[0], src[8])
	}

	tgt, _ := sample.Target.Float32Data()
	if tgt[0] != 1 || tgt[1] != 0 {
		t.Errorf("collated targets wrong: %v", tgt)
	}
}

func TestDataLoaderShuffleIsSeeded(t *testing.T) {
	records := make([]*Record, 16)
	for i := range records {
		records[i] = makeRecord(int64(i), float32(i), 0)
	}

	order := func(seed int64) []int64 {
		dl, err := NewDataLoader(&sliceDataset{records: records}, 1, true, seed)
		if err != nil {
			t.Fatalf("failed to create loader: %v", err)
		}
		dl.Reset()
		var ids []int64
		for dl.HasNext() {
			sample, err := dl.Next()
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			ids = append(ids, sample.ID[0])
		}
		return ids
	}

	a := order(42)
	b := order(42)
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("same seed must produce the same order")
		}
	}

	c := order(43)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds should permute differently")
	}
}

func TestDataLoaderShapeMismatch(t *testing.T) {
	odd := makeRecord(1, 1, 0)
	oddSource, _ := tensor.NewTensor([]int{2, 5}, tensor.Float32, make([]float32, 10))
	odd.Source = oddSource

	ds := &sliceDataset{records: []*Record{makeRecord(0, 1, 1), odd}}
	dl, err := NewDataLoader(ds, 2, false, 1)
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	dl.Reset()

	if _, err := dl.Next(); err == nil {
		t.Fatal("expected error for inconsistent record shapes")
	}
}
