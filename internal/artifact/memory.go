package artifact

import (
	memorystore "forestmc/internal/infra/artifact/memory"
)

// NewMemory returns an in-memory artifact Store suitable for tests.
func NewMemory() Store { return memorystore.New() }
