package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Epochs != defaultEpochs {
		t.Errorf("expected default epochs %d, got %d", defaultEpochs, cfg.Epochs)
	}
	if cfg.LearningRate != defaultLearningRate {
		t.Errorf("expected default learning rate %f, got %f", defaultLearningRate, cfg.LearningRate)
	}
	if !cfg.ReportAUC {
		t.Error("expected ReportAUC to default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("EPOCHS", "5")
	t.Setenv("WORKERS", "4")
	t.Setenv("LEARNING_RATE", "0.01")
	t.Setenv("REPORT_AUC", "false")
	t.Setenv("RUN_ID", "override")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Epochs != 5 || cfg.Workers != 4 {
		t.Errorf("integer overrides not applied: epochs=%d workers=%d", cfg.Epochs, cfg.Workers)
	}
	if cfg.LearningRate != 0.01 {
		t.Errorf("float override not applied: %f", cfg.LearningRate)
	}
	if cfg.ReportAUC {
		t.Error("boolean override not applied")
	}
	if cfg.RunID != "override" {
		t.Errorf("string override not applied: %q", cfg.RunID)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("EPOCHS", "-1")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative epochs")
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("EPOCHS", "many")
	t.Setenv("LEARNING_RATE", "fast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Epochs != defaultEpochs {
		t.Errorf("malformed int should fall back, got %d", cfg.Epochs)
	}
	if cfg.LearningRate != defaultLearningRate {
		t.Errorf("malformed float should fall back, got %f", cfg.LearningRate)
	}
}
