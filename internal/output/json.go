package output

import (
	"encoding/json"
	"fmt"

	"github.com/jbweber/cistern/internal/storage"
)

// JSONFormatter formats resources as JSON.
type JSONFormatter struct{}

// FormatPool formats a single pool as JSON.
func (f *JSONFormatter) FormatPool(pool storage.PoolInfo) (string, error) {
	data, err := json.MarshalIndent(pool, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal pool to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatPoolList formats a list of pools as a JSON array.
func (f *JSONFormatter) FormatPoolList(pools []storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(pools, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal pools to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVolume formats a single volume as JSON.
func (f *JSONFormatter) FormatVolume(vol storage.VolumeInfo) (string, error) {
	data, err := json.MarshalIndent(vol, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume to JSON: %w", err)
	}
	return string(data) + "\n", nil
}

// FormatVolumeList formats a list of volumes as a JSON array.
func (f *JSONFormatter) FormatVolumeList(vols []storage.VolumeInfo) (string, error) {
	if len(vols) == 0 {
		return "[]\n", nil
	}
	data, err := json.MarshalIndent(vols, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal volumes to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
