package storage

import "fmt"

// Backend kinds accepted by NewStore. An empty kind selects the in-memory
// backend.
const (
	KindMemory = "memory"
	KindSQLite = "sqlite"
)

// NewStore builds the persistence backend named by kind. The sqlitePath is
// only consulted for the sqlite backend, which additionally requires the
// sqlite build tag.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		return newSQLiteStore(sqlitePath)
	default:
		return nil, fmt.Errorf("unknown store kind %q (want %s or %s)", kind, KindMemory, KindSQLite)
	}
}

// CloseIfSupported closes stores that hold external resources and is a no-op
// for the rest.
func CloseIfSupported(store Store) error {
	if closer, ok := store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
