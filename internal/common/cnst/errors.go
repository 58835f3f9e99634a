package cnst

import "errors"

var (
	// ErrUnsupportedStoreType is returned when a store type is not known
	ErrUnsupportedStoreType = errors.New("unsupported store type")
	// ErrUnsupportedDatabaseType is returned when a database type is not known
	ErrUnsupportedDatabaseType = errors.New("unsupported database type")
)
