//go:build cgo && sqlite3_cgo

package db

// The sqlite3_cgo tag selects the cgo driver.
import _ "github.com/mattn/go-sqlite3"

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
)
