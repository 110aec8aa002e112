// Package recording reads and writes the on-disk session files: the merged
// record file, its filtered form, the label log and the epoch table.
package recording

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

func ftoa(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// WriteFile creates path (and its directory) and hands the file to write.
func WriteFile(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// ReadFile opens path and hands it to read.
func ReadFile[T any](path string, read func(io.Reader) (T, error)) (T, error) {
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	v, err := read(f)
	if err != nil {
		return v, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

// WriteMerged writes rows of time, ch1..chC, label with no header.
func WriteMerged(w io.Writer, recs []eeg.MergedRecord) error {
	cw := csv.NewWriter(w)
	for _, r := range recs {
		row := make([]string, 0, len(r.Channels)+2)
		row = append(row, ftoa(r.Time))
		for _, v := range r.Channels {
			row = append(row, ftoa(v))
		}
		row = append(row, r.Label.String())
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadMerged parses the headerless merged form. Every row must have the same
// number of channels.
func ReadMerged(r io.Reader) ([]eeg.MergedRecord, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	var out []eeg.MergedRecord
	for line := 1; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if len(row) < 3 {
			return nil, fmt.Errorf("line %d: want time, channels and label, got %d fields", line, len(row))
		}
		rec, err := parseRow(row[0], row[1:len(row)-1], row[len(row)-1])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

func parseRow(t string, channels []string, label string) (eeg.MergedRecord, error) {
	var rec eeg.MergedRecord
	var err error
	if rec.Time, err = strconv.ParseFloat(strings.TrimSpace(t), 64); err != nil {
		return rec, fmt.Errorf("time: %w", err)
	}
	rec.Channels = make([]float64, len(channels))
	for i, s := range channels {
		if rec.Channels[i], err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return rec, fmt.Errorf("channel %d: %w", i+1, err)
		}
	}
	rec.Label, err = eeg.ParseLabel(strings.TrimSpace(label))
	return rec, err
}

// FilteredHeader is the header row of the filtered form for c channels.
func FilteredHeader(c int) []string {
	h := []string{"Time"}
	for i := 1; i <= c; i++ {
		h = append(h, fmt.Sprintf("Channel %d", i))
	}
	h = append(h, "Label")
	for i := 1; i <= c; i++ {
		h = append(h, fmt.Sprintf("Filtered Channel %d", i))
	}
	return h
}

// WriteFiltered writes the raw and filtered values side by side, one row per
// record, with a header. raw and filtered must be the same length.
func WriteFiltered(w io.Writer, raw, filtered []eeg.MergedRecord) error {
	if len(raw) != len(filtered) {
		return fmt.Errorf("%d raw records but %d filtered", len(raw), len(filtered))
	}
	c := 0
	if len(raw) > 0 {
		c = len(raw[0].Channels)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(FilteredHeader(c)); err != nil {
		return err
	}
	for i, r := range raw {
		row := make([]string, 0, 2*c+2)
		row = append(row, ftoa(r.Time))
		for _, v := range r.Channels {
			row = append(row, ftoa(v))
		}
		row = append(row, r.Label.String())
		for _, v := range filtered[i].Channels {
			row = append(row, ftoa(v))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadFiltered parses the filtered form by header name and returns the
// filtered channels. "Time (s)" is accepted for the time column.
func ReadFiltered(r io.Reader) ([]eeg.MergedRecord, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	timeCol, labelCol := -1, -1
	filtered := map[int]int{} // channel number -> column
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case h == "Time" || h == "Time (s)":
			timeCol = i
		case h == "Label":
			labelCol = i
		case strings.HasPrefix(h, "Filtered Channel "):
			n, err := strconv.Atoi(strings.TrimPrefix(h, "Filtered Channel "))
			if err != nil {
				return nil, fmt.Errorf("header %q: %w", h, err)
			}
			filtered[n] = i
		}
	}
	if timeCol < 0 || labelCol < 0 || len(filtered) == 0 {
		return nil, fmt.Errorf("header %v lacks Time, Label or Filtered Channel columns", header)
	}
	cols := make([]int, len(filtered))
	for n := 1; n <= len(filtered); n++ {
		c, ok := filtered[n]
		if !ok {
			return nil, fmt.Errorf("filtered channels are not numbered 1..%d", len(filtered))
		}
		cols[n-1] = c
	}

	var out []eeg.MergedRecord
	chans := make([]string, len(cols))
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for i, c := range cols {
			chans[i] = row[c]
		}
		rec, err := parseRow(row[timeCol], chans, row[labelCol])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, rec)
	}
}

// WriteLabels writes the label log with its "Time (s),Label" header.
func WriteLabels(w io.Writer, events []eeg.LabelEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Time (s)", "Label"}); err != nil {
		return err
	}
	for _, e := range events {
		if err := cw.Write([]string{ftoa(e.Time), e.Label.String()}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func ReadLabels(r io.Reader) ([]eeg.LabelEvent, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	if _, err := cr.Read(); err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	var out []eeg.LabelEvent
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(row[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		l, err := eeg.ParseLabel(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, eeg.LabelEvent{Time: t, Label: l})
	}
}
