package sink

import (
	"context"
	"errors"
)

type multi []Sink

// Multi fans each snapshot out to every sink. Errors are joined.
func Multi(sinks ...Sink) Sink { return multi(sinks) }

func (m multi) Publish(ctx context.Context, snap Snapshot) error {
	var err error
	for _, s := range m {
		err = errors.Join(err, s.Publish(ctx, snap))
	}

	return err
}
