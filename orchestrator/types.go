package orchestrator

import (
	"time"

	"github.com/maastricht-university/eeg-pipeline/acquisition"
	"github.com/maastricht-university/eeg-pipeline/store"
)

type RecordSummary struct {
	SessionID   string            `json:"session_id"`
	Dir         string            `json:"dir"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    float64           `json:"duration_s"`
	Samples     int               `json:"samples"`
	Labels      int               `json:"labels"`
	LabelSets   uint64            `json:"label_sets"`   // label cell writes during the session
	LabelCounts map[string]int    `json:"label_counts"` // merged records per label
	Capture     acquisition.Stats `json:"capture"`
	MergedPath  string            `json:"merged_path"`
	LabelsPath  string            `json:"labels_path"`
}

type FilterSummary struct {
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Records   int       `json:"records"`
	Channels  int       `json:"channels"`
	LineNoise []float64 `json:"line_noise_ratio"` // per channel, before filtering
}

// DroppedEpoch is the user-facing report of one discarded epoch.
type DroppedEpoch struct {
	Epoch   int      `json:"epoch"`
	Reason  string   `json:"reason"`
	Labels  []string `json:"labels,omitempty"`
	Samples int      `json:"samples"`
}

type PrepareSummary struct {
	SessionID    string         `json:"session_id"`
	Source       string         `json:"source"`
	Dir          string         `json:"dir"`
	FeatureKind  string         `json:"feature_kind"`
	EpochLength  float64        `json:"epoch_length_s"`
	MinSamples   int            `json:"min_samples"`   // floor applied to every epoch
	Shortest     int            `json:"shortest"`      // samples in the shortest retained epoch
	CommonLength int            `json:"common_length"` // raw features only: every epoch cut to this
	Retained     int            `json:"retained"`
	Discarded    int            `json:"discarded"`
	Reasons      map[string]int `json:"discard_reasons,omitempty"`
	Dropped      []DroppedEpoch `json:"dropped,omitempty"`
	ClassCounts  map[string]int `json:"class_counts"`
	TablePath    string         `json:"table_path"`
	ModelPath    string         `json:"model_path,omitempty"`
}

type LiveSummary struct {
	SessionID   string         `json:"session_id"`
	StartedAt   time.Time      `json:"started_at"`
	Epochs      int            `json:"epochs"`
	Predicted   int            `json:"predicted"`
	Timeouts    int            `json:"timeouts"`
	Failures    int            `json:"failures"`
	Skipped     int            `json:"skipped"` // no data or unusable window
	Padded      int            `json:"padded"`
	Late        uint64         `json:"late_replies"` // worker replies after their deadline
	LabelCounts map[string]int `json:"label_counts"`
}

type RelabelSummary struct {
	Samples     string         `json:"samples"`
	Labels      string         `json:"labels"`
	Output      string         `json:"output"`
	Records     int            `json:"records"`
	Events      int            `json:"events"`
	LabelCounts map[string]int `json:"label_counts"`
}

// SessionReport is what the database holds about one session.
type SessionReport struct {
	Session     store.Session  `json:"session"`
	Epochs      int            `json:"epochs,omitempty"`      // prepare sessions
	Predictions map[string]int `json:"predictions,omitempty"` // live sessions, by label
}
