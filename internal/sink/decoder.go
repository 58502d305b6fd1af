package sink

import (
	"encoding/json"
	"fmt"
	"io"
)

// Decoder reads the concatenated records written by JSONSink and FileSink.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder { return &Decoder{dec: json.NewDecoder(r)} }

// Next returns the next record, or io.EOF when the stream is exhausted.
func (d *Decoder) Next() (Snapshot, error) {
	var s Snapshot
	if !d.dec.More() {
		return s, io.EOF
	}

	if err := d.dec.Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("decode record: %w", err)
	}

	return s, nil
}

// ReadAll decodes every record from r.
func ReadAll(r io.Reader) ([]Snapshot, error) {
	d := NewDecoder(r)

	var out []Snapshot

	for {
		s, err := d.Next()
		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return out, err
		}

		out = append(out, s)
	}
}
