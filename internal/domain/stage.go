package domain

import (
	"fmt"
	"strings"
)

// Stage is a position in the journey pipeline.
type Stage string

const (
	StageLead            Stage = "Lead"
	StageContactMade     Stage = "Contact Made"
	StageProposalSent    Stage = "Proposal Sent"
	StageBriefingMeeting Stage = "Briefing Meeting"
	StageScheduling      Stage = "Scheduling"
	StageFinalDelivery   Stage = "Final Delivery"
	StageClosed          Stage = "Closed"
)

var pipeline = []Stage{
	StageLead,
	StageContactMade,
	StageProposalSent,
	StageBriefingMeeting,
	StageScheduling,
	StageFinalDelivery,
	StageClosed,
}

// Stages returns the pipeline in order.
func Stages() []Stage {
	out := make([]Stage, len(pipeline))
	copy(out, pipeline)
	return out
}

// ParseStage matches a stage name ignoring case and surrounding space.
func ParseStage(s string) (Stage, error) {
	name := strings.TrimSpace(s)
	for _, st := range pipeline {
		if strings.EqualFold(string(st), name) {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

func (s Stage) index() int {
	for i, st := range pipeline {
		if st == s {
			return i
		}
	}
	return -1
}

func (s Stage) Valid() bool {
	return s.index() >= 0
}

// Next returns the immediate successor, false for the terminal stage.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(pipeline)-1 {
		return "", false
	}
	return pipeline[i+1], true
}

func (s Stage) Terminal() bool {
	return s == StageClosed
}

// Gated reports whether leaving the stage requires its blocking tasks to be done.
func (s Stage) Gated() bool {
	switch s {
	case StageBriefingMeeting, StageScheduling, StageFinalDelivery:
		return true
	default:
		return false
	}
}
