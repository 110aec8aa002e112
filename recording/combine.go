package recording

import (
	"errors"
	"math"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/maastricht-university/eeg-pipeline/eeg"
)

type CombineOptions struct {
	// Normalize rescales every later session's channels to the mean and
	// standard deviation of the first session.
	Normalize bool
}

// Session is one loaded merged file.
type Session struct {
	Path    string
	Records []eeg.MergedRecord
}

// CombineFiles loads paths in sorted filename order and combines them.
func CombineFiles(paths []string, o CombineOptions) ([]eeg.MergedRecord, error) {
	paths = append([]string(nil), paths...)
	sort.Strings(paths)
	sessions := make([]Session, 0, len(paths))
	for _, p := range paths {
		recs, err := ReadFile(p, ReadMerged)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, Session{Path: p, Records: recs})
	}
	return Combine(sessions, o)
}

// CombineGlob combines every file matching pattern.
func CombineGlob(pattern string, o CombineOptions) ([]eeg.MergedRecord, []string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, nil, errors.New("no session files match " + pattern)
	}
	sort.Strings(paths)
	recs, err := CombineFiles(paths, o)
	return recs, paths, err
}

// Combine concatenates sessions in the given order onto one timeline: each
// session is shifted by the largest (already shifted) timestamp of the
// session before it. The result is stably sorted by time. Input records are
// not modified.
func Combine(sessions []Session, o CombineOptions) ([]eeg.MergedRecord, error) {
	if len(sessions) == 0 {
		return nil, eeg.ErrNoSampleData
	}
	var base []stats
	if o.Normalize {
		base = channelStats(sessions[0].Records)
	}

	var out []eeg.MergedRecord
	offset := 0.0
	for si, s := range sessions {
		var cur []stats
		if o.Normalize && si > 0 {
			cur = channelStats(s.Records)
		}
		top := math.Inf(-1)
		for _, r := range s.Records {
			rec := eeg.MergedRecord{Time: r.Time + offset, Label: r.Label, Channels: append([]float64(nil), r.Channels...)}
			if cur != nil {
				for c := range rec.Channels {
					if c < len(cur) && c < len(base) {
						rec.Channels[c] = rescale(rec.Channels[c], cur[c], base[c])
					}
				}
			}
			top = math.Max(top, rec.Time)
			out = append(out, rec)
		}
		if len(s.Records) > 0 {
			offset = top
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

type stats struct{ mean, std float64 }

// channelStats uses the sample (n-1) standard deviation.
func channelStats(recs []eeg.MergedRecord) []stats {
	if len(recs) == 0 {
		return nil
	}
	c := len(recs[0].Channels)
	out := make([]stats, c)
	col := make([]float64, len(recs))
	for ch := 0; ch < c; ch++ {
		for i, r := range recs {
			if ch < len(r.Channels) {
				col[i] = r.Channels[ch]
			} else {
				col[i] = 0
			}
		}
		m, s := stat.MeanStdDev(col, nil)
		out[ch] = stats{mean: m, std: s}
	}
	return out
}

// rescale maps v from the cur distribution onto base. A flat or single-sample
// session only gets its mean moved.
func rescale(v float64, cur, base stats) float64 {
	if cur.std > 0 && !math.IsNaN(cur.std) && !math.IsNaN(base.std) {
		return (v-cur.mean)/cur.std*base.std + base.mean
	}
	return v - cur.mean + base.mean
}
