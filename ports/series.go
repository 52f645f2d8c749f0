package ports

import (
	"context"

	"gohdx/domain/core"
	"gohdx/domain/hdx"
)

// SeriesSource is the narrow tabular-container interface the engine reads:
// an ordered feature listing plus per-feature series lookup. Implementations
// decide where the observations come from; the engine never sees columns or
// files.
type SeriesSource interface {
	// Features lists every feature in the container's stable order.
	Features(ctx context.Context) ([]core.FeatureID, error)

	// Series returns one feature's observations. Unknown features return
	// core.ErrFeatureNotFound.
	Series(ctx context.Context, feature core.FeatureID) (hdx.FeatureSeries, error)
}
