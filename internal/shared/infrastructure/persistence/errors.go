package persistence

import "errors"

// ErrNoTransaction is returned when Commit or Rollback runs outside Begin.
var ErrNoTransaction = errors.New("persistence: no transaction in context")
