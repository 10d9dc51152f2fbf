package sender

import (
	"encoding/json"
	"fmt"

	"github.com/runsync/runsync/data"
)

// resumeOffsets are where a resumed run continues
type resumeOffsets struct {
	// Runtime in seconds of the previous run
	Runtime float64
	Step    int64
	History int
	Events  int
	Output  int
}

// lastRow decodes the last line of a tail, a JSON list of JSON lines
func lastRow(tail string) (map[string]any, error) {
	var lines []string
	if err := json.Unmarshal([]byte(tail), &lines); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty tail")
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &row); err != nil {
		return nil, err
	}
	return row, nil
}

func number(row map[string]any, key string, def float64) float64 {
	if v, ok := row[key].(float64); ok {
		return v
	}
	return def
}

// checkResume queries the backend for an existing run when resume is set.
// An ErrorInfo is returned when the resume setting can't be satisfied.
func (s *Sender) checkResume(run *data.RunRecord) *data.ErrorInfo {
	resume := s.settings.Resume
	if resume == "" {
		return nil
	}

	entity := firstOf(run.Entity, s.entity)
	project := firstOf(run.Project, s.project)

	s.logger.Printf("Checking resume status for %v/%v/%v", entity, project, run.RunID)

	status, err := s.api.RunResumeStatus(s.ctx, entity, project, run.RunID)
	if err != nil {
		return &data.ErrorInfo{Code: errorCode(err),
			Message: fmt.Sprintf("error checking resume status: %v", err)}
	}

	if status == nil {
		if resume == "must" {
			return &data.ErrorInfo{Code: data.ErrorCodeInvalid,
				Message: fmt.Sprintf("resume='must' but run (%v) doesn't exist", run.RunID)}
		}
		return nil
	}

	switch resume {
	case "never":
		return &data.ErrorInfo{Code: data.ErrorCodeInvalid,
			Message: fmt.Sprintf("resume='never' but run (%v) exists", run.RunID)}
	case "allow", "auto":
		history, err := lastRow(status.HistoryTail)
		if err != nil {
			s.logger.Println("Unable to load history tail: ", err)
		}
		events, err := lastRow(status.EventsTail)
		if err != nil {
			s.logger.Println("Unable to load events tail: ", err)
		}

		rt := number(history, "_runtime", 0)
		if ert := number(events, "_runtime", 0); ert > rt {
			rt = ert
		}

		s.offsets = resumeOffsets{
			Runtime: rt,
			Step:    int64(number(history, "_step", -1)) + 1,
			History: status.HistoryLineCount,
			Events:  status.EventsLineCount,
			Output:  status.LogLineCount,
		}

		s.logger.Printf("Resuming with offsets: %+v", s.offsets)
	}

	return nil
}
