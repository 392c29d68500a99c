// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/hivelink/internal/types"

// Compile-time interface compliance checks.
var _ types.PersistenceSink = (*ArchiveStore)(nil)
