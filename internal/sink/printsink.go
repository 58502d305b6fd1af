package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

// PrintSink renders snapshots as human-readable lines.
type PrintSink struct {
	w io.Writer
}

// NewPrintSink creates a print sink writing to w.
func NewPrintSink(w io.Writer) *PrintSink { return &PrintSink{w: w} }

// NewStdoutPrint returns a print sink that writes to os.Stdout.
func NewStdoutPrint() *PrintSink { return &PrintSink{w: os.Stdout} }

// Publish renders the snapshot and writes it in one call.
func (s *PrintSink) Publish(_ context.Context, snap Snapshot) error {
	var buf bytes.Buffer

	Render(&buf, snap)

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}

	return nil
}

// Render writes the text form of snap to buf.
func Render(buf *bytes.Buffer, snap Snapshot) {
	for _, lt := range snap.Capture {
		fmt.Fprintf(buf, "Line number: %d\n", lt.LineNumber)

		for _, m := range lt.TopDurations {
			fmt.Fprintf(buf, "Duration: %v\n", m.Duration)
			fmt.Fprintf(buf, "Percentage of top: %.1f%%\n", m.Percent)
		}

		fmt.Fprintf(buf, "Average duration of line: %v (%.1f%%)\n", lt.AverageOfLine.Duration, lt.AverageOfLine.Percent)
	}

	for _, c := range snap.Count {
		fmt.Fprintf(buf, "Counter %d: %d\n", c.Line, c.N)
	}
}
