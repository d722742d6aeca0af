package errors

import (
	"sync"
	"time"
)

// Failure is one reported failure kept for display in the dev server.
type Failure struct {
	Task      string    `json:"task"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorCollector keeps the most recent failures per task. A successful
// re-run of a task clears its entries.
type ErrorCollector struct {
	failures map[string][]Failure
	mutex    sync.RWMutex
}

// NewErrorCollector creates a new error collector
func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		failures: make(map[string][]Failure),
	}
}

// Add records err against its task.
func (ec *ErrorCollector) Add(err *PipelineError) {
	if err == nil {
		return
	}
	ec.mutex.Lock()
	defer ec.mutex.Unlock()

	msg := err.Message
	if err.Cause != nil {
		msg += ": " + err.Cause.Error()
	}
	ec.failures[err.Task] = append(ec.failures[err.Task], Failure{
		Task:      err.Task,
		File:      err.FilePath,
		Line:      err.Line,
		Column:    err.Column,
		Type:      err.Type,
		Message:   msg,
		Timestamp: time.Now(),
	})
}

// ClearTask drops the failures recorded for one task.
func (ec *ErrorCollector) ClearTask(task string) {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	delete(ec.failures, task)
}

// Failures returns a copy of every recorded failure.
func (ec *ErrorCollector) Failures() []Failure {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()

	var result []Failure
	for _, list := range ec.failures {
		result = append(result, list...)
	}
	return result
}

// HasErrors returns true if there are any errors
func (ec *ErrorCollector) HasErrors() bool {
	ec.mutex.RLock()
	defer ec.mutex.RUnlock()
	for _, list := range ec.failures {
		if len(list) > 0 {
			return true
		}
	}
	return false
}

// Clear clears all errors
func (ec *ErrorCollector) Clear() {
	ec.mutex.Lock()
	defer ec.mutex.Unlock()
	ec.failures = make(map[string][]Failure)
}
