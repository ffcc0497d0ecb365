package batch

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned by New for a nil Provider or an invalid
	// Config.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRunning is returned when the state is replaced, or a second run is
	// started, while a run is in progress.
	ErrRunning = errors.New("executor is running")
)

// Method identifies which phase produced an ErrorItem.
type Method string

const (
	MethodTraverse Method = "traverse"
	MethodProcess  Method = "process"
)

// ErrorItem records a terminal failure for a single item. Terminal failures
// are collected in the Result instead of aborting the run.
type ErrorItem struct {
	Method Method
	Item   Item
	Err    error
}

func (e ErrorItem) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Method, e.Err)
}

func (e ErrorItem) Unwrap() error { return e.Err }

// MarshalJSON serializes the error as its message so checkpoints stay portable.
func (e ErrorItem) MarshalJSON() ([]byte, error) {
	var msg string
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(&struct {
		Method Method `json:"method"`
		Item   Item   `json:"item"`
		Error  string `json:"error"`
	}{
		Method: e.Method,
		Item:   e.Item,
		Error:  msg,
	})
}

// UnmarshalJSON restores an ErrorItem. The original error type is lost; only
// its message survives a round trip.
func (e *ErrorItem) UnmarshalJSON(data []byte) error {
	aux := &struct {
		Method Method `json:"method"`
		Item   Item   `json:"item"`
		Error  string `json:"error"`
	}{}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	e.Method = aux.Method
	e.Item = aux.Item
	if aux.Error != "" {
		e.Err = errors.New(aux.Error)
	}
	return nil
}
