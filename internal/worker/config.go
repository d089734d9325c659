package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// FileConfig is the optional worker TOML file.
//
//	worker_id = "gpu-box-1"
//	channels = ["UC_x5XG1OV2P6uZZ5FSM9Ttw"]
//	idle_cooldown = "30s"
//	idle_batch = 5
type FileConfig struct {
	WorkerID     string   `toml:"worker_id"`
	Channels     []string `toml:"channels"`
	IdleCooldown string   `toml:"idle_cooldown"`
	IdleBatch    int      `toml:"idle_batch"`
}

// LoadFile reads path. A missing file yields a zero config.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	if path == "" {
		return fc, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return fc, fmt.Errorf("open worker config: %w", err)
	}
	defer file.Close()

	if err := toml.NewDecoder(file).Decode(&fc); err != nil {
		return fc, fmt.Errorf("parse worker config: %w", err)
	}
	return fc, nil
}

// Apply overlays file settings onto opts. Environment-derived values win
// only where the file is silent.
func (fc FileConfig) Apply(opts *Options) error {
	if fc.WorkerID != "" {
		opts.WorkerID = fc.WorkerID
	}
	if len(fc.Channels) > 0 {
		opts.Channels = fc.Channels
	}
	if fc.IdleCooldown != "" {
		d, err := time.ParseDuration(fc.IdleCooldown)
		if err != nil {
			return fmt.Errorf("idle_cooldown: %w", err)
		}
		opts.IdleCooldown = d
	}
	if fc.IdleBatch > 0 {
		opts.IdleBatch = fc.IdleBatch
	}
	return nil
}

// DefaultWorkerID is host-prefixed so operators can tell workers apart.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
