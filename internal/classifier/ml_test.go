package classifier

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rawblock/coinjoin-tracer/pkg/models"
)

func TestLoadMLEmptyPathIsUnavailable(t *testing.T) {
	m, err := LoadML("", 0.5)
	if err != nil {
		t.Fatalf("LoadML() error = %v", err)
	}
	_, available := m.Predict(models.Transaction{})
	if available {
		t.Error("Predict() available = true, want false with no model configured")
	}
}

func TestLoadMLFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.json")
	data, _ := json.Marshal(Weights{Bias: 0, Vin: 1.0})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	m, err := LoadML(path, 0.5)
	if err != nil {
		t.Fatalf("LoadML() error = %v", err)
	}
	prob, available := m.Predict(models.Transaction{Inputs: inputsWithAddresses(10)})
	if !available {
		t.Fatal("Predict() available = false, want true")
	}
	if prob <= 0.5 {
		t.Errorf("Predict() = %v, want > 0.5 for a strongly positive linear score", prob)
	}
}

func TestNilMLPredictorIsSafe(t *testing.T) {
	var m *ML
	_, available := m.Predict(models.Transaction{})
	if available {
		t.Error("Predict() on nil *ML available = true, want false")
	}
	if m.Threshold() != 0 {
		t.Errorf("Threshold() on nil *ML = %v, want 0", m.Threshold())
	}
}
