package vision

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// checkpoint is the on-disk model format.
type checkpoint struct {
	Config Config
	Params map[string][]float64
	Epoch  int
	Loss   float64
}

// CheckpointInfo describes a saved model.
type CheckpointInfo struct {
	Config Config
	Epoch  int
	Loss   float64
}

// Save writes the model's parameters to path through a temp file and rename.
func (m *Model) Save(path string, epoch int, loss float64) error {
	m.mu.Lock()
	ckpt := checkpoint{
		Config: m.cfg,
		Params: make(map[string][]float64),
		Epoch:  epoch,
		Loss:   loss,
	}
	for _, p := range m.Params() {
		ckpt.Params[p.Name] = append([]float64(nil), p.Data...)
	}
	m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.ckpt")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&ckpt); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load restores a full model (encoder and decoder) from path.
func Load(path string) (*Model, *CheckpointInfo, error) {
	return load(path, true)
}

// LoadEncoder restores only the encoder; Decode and TrainStep are unavailable.
func LoadEncoder(path string) (*Model, *CheckpointInfo, error) {
	return load(path, false)
}

func load(path string, withDecoder bool) (*Model, *CheckpointInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()

	var ckpt checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}

	m, err := build(ckpt.Config, withDecoder)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid checkpoint config: %w", err)
	}
	for _, p := range m.Params() {
		data, ok := ckpt.Params[p.Name]
		if !ok {
			return nil, nil, fmt.Errorf("checkpoint missing parameter %s", p.Name)
		}
		if len(data) != len(p.Data) {
			return nil, nil, fmt.Errorf("checkpoint parameter %s has %d values, want %d", p.Name, len(data), len(p.Data))
		}
		copy(p.Data, data)
	}
	return m, &CheckpointInfo{Config: ckpt.Config, Epoch: ckpt.Epoch, Loss: ckpt.Loss}, nil
}
