// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/convpipe/internal/types"

var _ types.EventLog = (*RecordLog)(nil)
