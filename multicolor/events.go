package multicolor

import "github.com/labcore/scopectl/events"

// SequenceProgress is published after every acquired frame
type SequenceProgress struct {
	RunID     string `json:"run_id"`
	Entry     int    `json:"entry"`
	Frame     int    `json:"frame"`
	Label     string `json:"label"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

func (SequenceProgress) Topic() string { return events.TopicSequenceProgress }

// TriggerMissed is published for every missed trigger.  Discarded is the
// number of frames acquired in the pass that is thrown away.
type TriggerMissed struct {
	RunID     string `json:"run_id"`
	Entry     int    `json:"entry"`
	Frame     int    `json:"frame"`
	Label     string `json:"label"`
	Missed    int    `json:"missed"`
	Discarded int    `json:"discarded"`
}

func (TriggerMissed) Topic() string { return events.TopicTriggerMissed }

// SequenceState is published on every phase change
type SequenceState struct {
	RunID string `json:"run_id"`
	Phase Phase  `json:"phase"`
	Err   string `json:"err,omitempty"`
}

func (SequenceState) Topic() string { return events.TopicSequenceState }
