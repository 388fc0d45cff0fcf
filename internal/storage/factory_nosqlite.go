//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(_ string) (Store, error) {
	return nil, fmt.Errorf("%s backend unavailable in this build; rebuild with -tags sqlite", KindSQLite)
}

// DefaultStoreKind names the backend used when none is requested.
func DefaultStoreKind() string {
	return KindMemory
}
