package sink

import (
	"context"
	"fmt"
	"io"
	"os"
)

// JSONSink writes snapshots to an io.Writer as back-to-back JSON values with
// no separator.
type JSONSink struct {
	w io.Writer
}

// NewJSONSink creates a JSON sink writing to the provided writer.
func NewJSONSink(w io.Writer) *JSONSink { return &JSONSink{w: w} }

// Publish encodes the snapshot and writes it in one call.
func (s *JSONSink) Publish(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}

	return nil
}

// FileSink appends JSON records to a file. The file is truncated once, when
// the sink is created; each publish reopens it in append mode.
type FileSink struct {
	path string
}

// NewFileSink truncates path and returns a sink appending to it.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("truncate output %q: %w", path, err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("truncate output %q: %w", path, err)
	}

	return &FileSink{path: path}, nil
}

// Path returns the output file path.
func (s *FileSink) Path() string { return s.path }

// Publish appends one record to the file.
func (s *FileSink) Publish(_ context.Context, snap Snapshot) error {
	data, err := Encode(snap)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrSinkUnavailable, s.path, err)
	}

	_, werr := f.Write(data)
	cerr := f.Close()

	if werr != nil {
		return fmt.Errorf("%w: append %q: %w", ErrSinkUnavailable, s.path, werr)
	}

	if cerr != nil {
		return fmt.Errorf("%w: close %q: %w", ErrSinkUnavailable, s.path, cerr)
	}

	return nil
}
