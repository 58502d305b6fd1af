package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

//go:generate mockgen -source=sink.go -destination=./mocks/mock_sink.go -package=mocks

var (
	// ErrSerialization marks a record that could not be encoded. It signals
	// malformed internal state rather than an external failure.
	ErrSerialization = errors.New("snapshot serialization failed")
	// ErrSinkUnavailable marks an output that could not be opened or written.
	ErrSinkUnavailable = errors.New("sink unavailable")
)

// Measure is a duration together with its percentage of the overall average.
// It encodes as a two element array: [nanoseconds, percent].
type Measure struct {
	Duration time.Duration
	Percent  float64
}

func (m Measure) MarshalJSON() ([]byte, error) {
	if m.Duration < 0 {
		return nil, fmt.Errorf("negative duration %d", m.Duration)
	}

	return json.Marshal([2]any{uint64(m.Duration), m.Percent})
}

func (m *Measure) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if len(raw) != 2 {
		return fmt.Errorf("measure: want 2 elements, got %d", len(raw))
	}

	ns, err := strconv.ParseUint(string(raw[0]), 10, 64)
	if err != nil {
		return fmt.Errorf("measure duration: %w", err)
	}

	if err := json.Unmarshal(raw[1], &m.Percent); err != nil {
		return fmt.Errorf("measure percent: %w", err)
	}

	m.Duration = time.Duration(ns)

	return nil
}

// LineTiming is the per-label timing record of one reading.
type LineTiming struct {
	LineNumber    uint32    `json:"line_number"`
	TopDurations  []Measure `json:"top_durations"`
	AverageOfLine Measure   `json:"average_of_line"`
}

// Count is a counter value carried through from the reading.
type Count struct {
	Line uint32 `json:"line"`
	N    uint64 `json:"n"`
}

// Snapshot is one output record: the timings and counters of one reading.
type Snapshot struct {
	Capture []LineTiming `json:"capture"`
	Count   []Count      `json:"count"`
}

// Sink publishes snapshots to an output.
type Sink interface {
	Publish(ctx context.Context, s Snapshot) error
}

// Encode marshals s as a single compact JSON value. Empty sequences encode
// as [] rather than null.
func Encode(s Snapshot) ([]byte, error) {
	if s.Capture == nil {
		s.Capture = []LineTiming{}
	}

	if s.Count == nil {
		s.Count = []Count{}
	}

	if slices.ContainsFunc(s.Capture, func(lt LineTiming) bool { return lt.TopDurations == nil }) {
		s.Capture = slices.Clone(s.Capture)
		for i := range s.Capture {
			if s.Capture[i].TopDurations == nil {
				s.Capture[i].TopDurations = []Measure{}
			}
		}
	}

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	return data, nil
}
