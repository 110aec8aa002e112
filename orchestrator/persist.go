package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/maastricht-university/eeg-pipeline/acquisition"
	"github.com/maastricht-university/eeg-pipeline/eeg"
	"github.com/maastricht-university/eeg-pipeline/recording"
)

// mkSessionDir creates a fresh <root>/<prefix>_<timestamp>. A second
// session in the same second gets a -2, -3, ... suffix instead of sharing
// the directory.
func mkSessionDir(root, prefix string, now time.Time) (string, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	base := filepath.Join(root, prefix+"_"+now.Format("20060102-150405"))
	dir := base
	for n := 2; ; n++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) || n > 1000 {
			return "", err
		}
		dir = fmt.Sprintf("%s-%d", base, n)
	}
}

func writeJSON(path string, v any) error {
	return recording.WriteFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// persistRecording writes the merged records, the raw label stream and the
// summary of one capture into dir and fills in the file paths.
func persistRecording(dir string, c *acquisition.Capture, merged []eeg.MergedRecord, sum *RecordSummary) error {
	sum.Dir = dir
	sum.MergedPath = filepath.Join(dir, "merged.csv")
	sum.LabelsPath = filepath.Join(dir, "labels.csv")

	if err := recording.WriteFile(sum.MergedPath, func(w io.Writer) error {
		return recording.WriteMerged(w, merged)
	}); err != nil {
		return err
	}
	if err := recording.WriteFile(sum.LabelsPath, func(w io.Writer) error {
		return recording.WriteLabels(w, c.Labels)
	}); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "summary.json"), sum)
}
