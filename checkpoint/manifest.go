package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/n0madic/go-basket-cavi/state"
)

// ManifestFile is the run manifest written next to the snapshots.
const ManifestFile = "run.yaml"

// Manifest describes a run well enough to resume or audit it.
type Manifest struct {
	RunID       string     `yaml:"run_id"`
	Created     time.Time  `yaml:"created"`
	Dims        state.Dims `yaml:"dims"`
	NIter       int        `yaml:"n_iter"`
	Fixed       []string   `yaml:"fixed,omitempty"`
	Codec       string     `yaml:"codec"`
	Compression string     `yaml:"compression"`
	Every       int        `yaml:"every"`
	Config      any        `yaml:"config,omitempty"`
}

// WriteManifest writes m to dir/run.yaml.
func WriteManifest(dir string, m Manifest) error {
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), out, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads dir/run.yaml. Config is decoded as a generic map.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

// Manifest returns the manifest fields the sink controls.
func (s *Sink) Manifest(dims state.Dims, nIter int, fixed state.Fixed) Manifest {
	return Manifest{
		RunID:       s.runID,
		Created:     time.Now().UTC(),
		Dims:        dims,
		NIter:       nIter,
		Fixed:       fixed.Names(),
		Codec:       s.codec.String(),
		Compression: s.compression.String(),
		Every:       s.every,
	}
}
