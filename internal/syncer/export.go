package syncer

import (
	"context"

	"github.com/lorekeep/lorekeep/internal/exporter"
)

// Export writes the workspace snapshot under the same exclusion as a
// sync operation: the workspace lock keeps a concurrent push from
// committing a half-gathered snapshot, and tracking stays suppressed
// for the duration.
func (a *Adapter) Export(ctx context.Context, e *exporter.Exporter) (*exporter.Result, error) {
	release, err := a.lock()
	if err != nil {
		return nil, err
	}
	defer release()

	resume := a.tracker.Suppress()
	defer resume()

	return e.Export(ctx)
}
