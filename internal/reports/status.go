package reports

import "fmt"

// Status is the provider's processingStatus for a report job.
type Status int

const (
	StatusUnknown Status = iota
	StatusInQueue
	StatusInProgress
	StatusDone
	StatusCancelled
	StatusFatal
)

var statusNames = map[string]Status{
	"IN_QUEUE":    StatusInQueue,
	"IN_PROGRESS": StatusInProgress,
	"DONE":        StatusDone,
	"CANCELLED":   StatusCancelled,
	"FATAL":       StatusFatal,
}

// ParseStatus maps a wire status string. Unrecognized strings are an error
// rather than something to keep polling on.
func ParseStatus(s string) (Status, error) {
	if st, ok := statusNames[s]; ok {
		return st, nil
	}
	return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) String() string {
	for name, st := range statusNames {
		if st == s {
			return name
		}
	}
	return "UNKNOWN"
}

// Pending reports whether the job is still being processed.
func (s Status) Pending() bool {
	return s == StatusInQueue || s == StatusInProgress
}

// JobState tracks one report job through Created -> Polling -> a terminal
// state. Only Downloaded is a successful end.
type JobState int

const (
	JobCreated JobState = iota
	JobPolling
	JobDone
	JobDownloaded
	JobCancelled
	JobFatal
	JobTimedOut
	JobFailed
)

func (s JobState) String() string {
	switch s {
	case JobCreated:
		return "created"
	case JobPolling:
		return "polling"
	case JobDone:
		return "done"
	case JobDownloaded:
		return "downloaded"
	case JobCancelled:
		return "cancelled"
	case JobFatal:
		return "fatal"
	case JobTimedOut:
		return "timed_out"
	}
	return "failed"
}

// validTransitions lists the states each state may move to.
var validTransitions = map[JobState][]JobState{
	JobCreated: {JobPolling, JobFailed},
	JobPolling: {JobDone, JobCancelled, JobFatal, JobTimedOut, JobFailed},
	JobDone:    {JobDownloaded, JobFailed},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
