// README: Location samples and snapshots for broadcast, persistence and replay.
package location

import (
	"time"

	"coursier/internal/types"
)

// Sample is one raw position from the device location provider.
type Sample struct {
	Point       types.Point
	TimestampMs int64
}

// Snapshot is a broadcast position kept for replay and audit.
type Snapshot struct {
	ID         int64
	DriverID   types.ID
	OrderID    *types.ID
	Position   types.Point
	RecordedAt time.Time
}
