//go:build cgo

package store

// The cgo build also registers mattn/go-sqlite3 under the "sqlite3" driver name,
// selectable with OpenSQLiteGraphStore("sqlite3", path).
import _ "github.com/mattn/go-sqlite3"
