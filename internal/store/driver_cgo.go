//go:build cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func init() {
	// Register sqlite-vec as an auto-loadable extension on the mattn
	// driver so vec_distance_cosine is available in every connection.
	vec.Auto()
}

func dsn(path string) string {
	return path + "?_foreign_keys=on&_busy_timeout=5000"
}
