//go:build sqlite

package storage

func newSQLiteStore(path string) (Store, error) {
	return NewSQLiteStore(path), nil
}

// DefaultStoreKind names the backend used when none is requested.
func DefaultStoreKind() string {
	return KindSQLite
}
