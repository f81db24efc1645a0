package output

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/cistern/internal/storage"
)

// YAMLFormatter formats resources as YAML.
type YAMLFormatter struct{}

// FormatPool formats a single pool as YAML.
func (f *YAMLFormatter) FormatPool(pool storage.PoolInfo) (string, error) {
	data, err := yaml.Marshal(pool)
	if err != nil {
		return "", fmt.Errorf("failed to marshal pool to YAML: %w", err)
	}
	return string(data), nil
}

// FormatPoolList formats a list of pools as a YAML stream (multiple
// documents separated by ---).
func (f *YAMLFormatter) FormatPoolList(pools []storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	for i, p := range pools {
		if i > 0 {
			buf.WriteString("---\n")
		}
		data, err := yaml.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal pool to YAML: %w", err)
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

// FormatVolume formats a single volume as YAML.
func (f *YAMLFormatter) FormatVolume(vol storage.VolumeInfo) (string, error) {
	data, err := yaml.Marshal(vol)
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume to YAML: %w", err)
	}
	return string(data), nil
}

// FormatVolumeList formats a list of volumes as a YAML stream.
func (f *YAMLFormatter) FormatVolumeList(vols []storage.VolumeInfo) (string, error) {
	if len(vols) == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	for i, v := range vols {
		if i > 0 {
			buf.WriteString("---\n")
		}
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to marshal volume to YAML: %w", err)
		}
		buf.Write(data)
	}
	return buf.String(), nil
}
