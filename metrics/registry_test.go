package metrics

import (
	"math"
	"testing"
)

func TestRegistryScalarAccumulation(t *testing.T) {
	r := NewRegistry()
	r.LogScalar("nsignals", 8, 1, NoRound)
	r.LogScalar("nsignals", 4, 1, NoRound)

	if got := r.ScalarSum("nsignals"); got != 12 {
		t.Errorf("expected sum 12, got %f", got)
	}

	snap := r.Snapshot()
	if snap["nsignals"] != 6 {
		t.Errorf("expected average 6, got %f", snap["nsignals"])
	}
}

func TestRegistrySnapshotRounding(t *testing.T) {
	r := NewRegistry()
	r.LogScalar("loss", 0.123456, 10, 3)

	snap := r.Snapshot()
	if snap["loss"] != 0.123 {
		t.Errorf("expected rounded 0.123, got %f", snap["loss"])
	}
}

func TestRegistryDerivedReadsAggregatedSums(t *testing.T) {
	r := NewRegistry()
	r.LogScalar("_correct", 3, 1, NoRound)
	r.LogScalar("_correct", 5, 1, NoRound)
	r.LogScalar("_total", 4, 1, NoRound)
	r.LogScalar("_total", 6, 1, NoRound)
	r.LogDerived("accuracy", func(v Values) float64 {
		total := v.ScalarSum("_total")
		if total == 0 {
			return math.NaN()
		}
		return SafeRound(v.ScalarSum("_correct")/total, 5)
	})

	snap := r.Snapshot()
	if snap["accuracy"] != 0.8 {
		t.Errorf("expected accuracy 0.8, got %f", snap["accuracy"])
	}
}

func TestRegistryUnknownScalarSumIsZero(t *testing.T) {
	r := NewRegistry()
	if got := r.ScalarSum("missing"); got != 0 {
		t.Errorf("expected 0 for missing meter, got %f", got)
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.LogScalar("loss", 1, 1, 3)
	r.LogAUC("_auc", []float64{0.9}, []float64{1})
	r.LogDerived("auroc", func(v Values) float64 { return 1 })

	r.Reset()

	if len(r.Snapshot()) != 0 {
		t.Error("expected empty snapshot after reset")
	}
	if r.AUC("_auc") != nil {
		t.Error("expected AUC meter dropped after reset")
	}
}

func TestPrometheusExporterPublish(t *testing.T) {
	e := NewPrometheusExporter("fairseq_signals")
	e.Publish(map[string]float64{
		"loss":     0.5,
		"_tp":      4,
		"accuracy": math.NaN(),
	})

	families, err := e.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}

	found := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			found[fam.GetName()] = m.GetGauge().GetValue()
		}
	}

	if found["fairseq_signals_loss"] != 0.5 {
		t.Errorf("expected loss gauge 0.5, got %v", found)
	}
	if found["fairseq_signals_tp"] != 4 {
		t.Errorf("expected tp gauge 4, got %v", found)
	}
	if _, ok := found["fairseq_signals_accuracy"]; ok {
		t.Error("NaN metric must not be exported")
	}

	// Re-publishing updates in place rather than re-registering.
	e.Publish(map[string]float64{"loss": 0.25})
	families, err = e.Gatherer().Gather()
	if err != nil {
		t.Fatalf("second gather failed: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() == "fairseq_signals_loss" {
			if got := fam.GetMetric()[0].GetGauge().GetValue(); got != 0.25 {
				t.Errorf("expected updated gauge 0.25, got %f", got)
			}
		}
	}
}
