package shared

import "errors"

// ErrNotFound indicates a resource that does not exist in any store.
var ErrNotFound = errors.New("not found")

// ActorSystem identifies engine-originated custody entries.
const ActorSystem = "saf-engine"
