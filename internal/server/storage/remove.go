package storage

import (
	"context"
	"log/slog"
)

// Removal is the outcome of a best-effort payload deletion. It is
// deliberately not an error: callers log or count it and carry on with
// record deletion.
type Removal struct {
	Name string
	Err  error
}

// OK reports whether the payload is gone.
func (r Removal) OK() bool {
	return r.Err == nil
}

// RemoveBestEffort deletes a payload and logs any failure.
func RemoveBestEffort(ctx context.Context, store Store, name string) Removal {
	if err := store.Delete(ctx, name); err != nil {
		slog.Warn("failed to remove payload",
			"storage_name", name,
			"error", err,
		)
		return Removal{Name: name, Err: err}
	}
	return Removal{Name: name}
}
