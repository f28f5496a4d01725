package scan

import (
	"time"

	"github.com/labcore/scopectl/events"
)

// StateChanged is published when a scan starts or ends
type StateChanged struct {
	Running   bool     `json:"running"`
	Axes      AxisPair `json:"axes"`
	RunID     string   `json:"run_id"`
	LineCount int      `json:"line_count"`
	Err       string   `json:"error,omitempty"`
}

// Topic satisfies events.Event
func (StateChanged) Topic() string { return events.TopicScanState }

// LineDataChanged is published after every scan line.  Data is a snapshot
// of the whole buffer owned by the receiver.
type LineDataChanged struct {
	Axes      AxisPair             `json:"axes"`
	RunID     string               `json:"run_id"`
	Index     int                  `json:"index"`
	LineCount int                  `json:"line_count"`
	Line      map[string][]float64 `json:"line"`
	Data      *Data                `json:"-"`
}

// Topic satisfies events.Event
func (LineDataChanged) Topic() string { return events.TopicScanLine }

// SettingsChanged carries the settings after a successful update
type SettingsChanged struct {
	Settings Settings `json:"settings"`
}

// Topic satisfies events.Event
func (SettingsChanged) Topic() string { return events.TopicScanSettings }

// OptimizerSettingsChanged carries the optimizer settings after a successful update
type OptimizerSettingsChanged struct {
	Settings OptimizerSettings `json:"settings"`
}

// Topic satisfies events.Event
func (OptimizerSettingsChanged) Topic() string { return events.TopicOptimizerSettings }

// PositionChanged carries the scanner position
type PositionChanged struct {
	Position map[string]float64 `json:"position"`
}

// Topic satisfies events.Event
func (PositionChanged) Topic() string { return events.TopicPosition }

// TargetChanged carries the axes changed by a SetTarget call
type TargetChanged struct {
	Target map[string]float64 `json:"target"`
}

// Topic satisfies events.Event
func (TargetChanged) Topic() string { return events.TopicTarget }

// RunRecord summarizes a finished scan
type RunRecord struct {
	ID           string
	Axes         AxisPair
	Resolution   [2]int
	LineInterval time.Duration
	Lines        int
	Stopped      bool
	Err          string
	Start, End   time.Time
}

// Recorder stores finished scans
type Recorder interface {
	RecordScan(RunRecord) error
}
