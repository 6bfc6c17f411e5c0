package sec

import (
	"fmt"
	"strings"
)

// stepKey identifies one command within an instance's history.
type stepKey struct {
	step         string
	attempt      int
	compensation bool
}

func (k stepKey) String() string {
	if k.compensation {
		return fmt.Sprintf("%s#%d(compensate)", k.step, k.attempt)
	}
	return fmt.Sprintf("%s#%d", k.step, k.attempt)
}

// stepLoadStatus is the replayed status of a single command.
type stepLoadStatus int

const (
	loadNeverDispatched stepLoadStatus = iota
	loadPending
	loadSucceeded
	loadFailed
	loadCompensated
)

func (s stepLoadStatus) String() string {
	switch s {
	case loadNeverDispatched:
		return "NeverDispatched"
	case loadPending:
		return "Pending"
	case loadSucceeded:
		return "Succeeded"
	case loadFailed:
		return "Failed"
	case loadCompensated:
		return "Compensated"
	default:
		return fmt.Sprintf("Unknown stepLoadStatus: %d", int(s))
	}
}

// nextStatus returns the status of a command after recording status.
func (s stepLoadStatus) nextStatus(status StepStatus, compensation bool) (stepLoadStatus, error) {
	switch s {
	case loadNeverDispatched:
		if status == StepPending {
			return loadPending, nil
		}
	case loadPending:
		switch {
		case status == StepFailed:
			return loadFailed, nil
		case status == StepSuccess && !compensation:
			return loadSucceeded, nil
		case status == StepCompensated && compensation:
			return loadCompensated, nil
		}
	}
	return loadNeverDispatched, fmt.Errorf("illegal record %s for current load status %v", status, s)
}

// stepLog replays a history so new records can be validated against it.
type stepLog struct {
	status map[stepKey]stepLoadStatus
}

func newStepLog(history []StepExecutionRecord) *stepLog {
	l := &stepLog{status: make(map[stepKey]stepLoadStatus, len(history))}
	for _, rec := range history {
		key := stepKey{rec.StepName, rec.Attempt, rec.Compensation}
		if next, err := l.status[key].nextStatus(rec.Status, rec.Compensation); err == nil {
			l.status[key] = next
		}
	}
	return l
}

func (l *stepLog) check(rec StepExecutionRecord) error {
	key := stepKey{rec.StepName, rec.Attempt, rec.Compensation}
	if _, err := l.status[key].nextStatus(rec.Status, rec.Compensation); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// FormatHistory renders a history for logs and the example CLI.
func FormatHistory(history []StepExecutionRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "history (%d records):\n", len(history))
	for n, rec := range history {
		key := stepKey{rec.StepName, rec.Attempt, rec.Compensation}
		fmt.Fprintf(&sb, "%03d %-28s %s", n+1, key, rec.Status)
		if rec.Error != "" {
			fmt.Fprintf(&sb, " (%s)", rec.Error)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
