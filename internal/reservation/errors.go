package reservation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValidationError reports malformed admission input. It is rejected before
// any side effect and is safe for the caller to surface directly.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reservation %s: %s", e.Field, e.Detail)
}

// OverlapError means the requested window intersects an existing pending or
// confirmed reservation. The slot is taken; retrying the same request will
// not help. Distinct from ValidationError so booking callers can tell
// "bad request" from "unavailable".
type OverlapError struct {
	SpaceID uuid.UUID
	Start   time.Time
	End     time.Time
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("space %s already reserved within [%s, %s)",
		e.SpaceID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}
