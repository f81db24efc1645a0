package output

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/jbweber/cistern/internal/storage"
)

// TableFormatter formats resources as human-readable tables.
type TableFormatter struct {
	// NoHeaders omits the header row.
	NoHeaders bool
}

// FormatPool formats a single pool as a table row.
func (f *TableFormatter) FormatPool(pool storage.PoolInfo) (string, error) {
	return f.FormatPoolList([]storage.PoolInfo{pool})
}

// FormatPoolList formats a list of pools as a table.
func (f *TableFormatter) FormatPoolList(pools []storage.PoolInfo) (string, error) {
	if len(pools) == 0 {
		return "No pools found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tAUTOSTART\tCAPACITY\tALLOCATION\tAVAILABLE\tVOLUMES")
	}

	for _, p := range pools {
		autostart := "no"
		if p.Autostart {
			autostart = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			p.Name, p.Type, p.State, autostart,
			formatSize(p.Capacity), formatSize(p.Allocation), formatSize(p.Available),
			p.Volumes)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to format table: %w", err)
	}
	return buf.String(), nil
}

// FormatVolume formats a single volume as a table row.
func (f *TableFormatter) FormatVolume(vol storage.VolumeInfo) (string, error) {
	return f.FormatVolumeList([]storage.VolumeInfo{vol})
}

// FormatVolumeList formats a list of volumes as a table.
func (f *TableFormatter) FormatVolumeList(vols []storage.VolumeInfo) (string, error) {
	if len(vols) == 0 {
		return "No volumes found\n", nil
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	if !f.NoHeaders {
		_, _ = fmt.Fprintln(w, "NAME\tPOOL\tFORMAT\tCAPACITY\tALLOCATION\tPATH")
	}

	for _, v := range vols {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			v.Name, v.Pool, v.Format,
			formatSize(v.Capacity), formatSize(v.Allocation), v.Path)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to format table: %w", err)
	}
	return buf.String(), nil
}

// formatSize renders a byte count with a binary unit suffix.
func formatSize(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
