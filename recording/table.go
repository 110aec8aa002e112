package recording

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// EpochRow is one retained epoch in the epoch feature table.
type EpochRow struct {
	Index    int
	Start    float64
	End      float64
	Label    string
	Samples  int
	Features []float64
}

// WriteEpochTable writes epoch,start,end,label,samples,f0..fk. Shorter
// feature vectors leave their trailing cells empty.
func WriteEpochTable(w io.Writer, rows []EpochRow) error {
	width := 0
	for _, r := range rows {
		width = max(width, len(r.Features))
	}
	cw := csv.NewWriter(w)
	header := []string{"epoch", "start", "end", "label", "samples"}
	for i := 0; i < width; i++ {
		header = append(header, fmt.Sprintf("f%d", i))
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range rows {
		row := []string{strconv.Itoa(r.Index), ftoa(r.Start), ftoa(r.End), r.Label, strconv.Itoa(r.Samples)}
		for i := 0; i < width; i++ {
			if i < len(r.Features) {
				row = append(row, ftoa(r.Features[i]))
			} else {
				row = append(row, "")
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
