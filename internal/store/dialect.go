package store

import (
	"strconv"
	"strings"
)

// dialect captures the per-backend SQL differences so the engine itself is
// written once against '?' placeholders.
type dialect struct {
	name      string
	returning bool // INSERT ... RETURNING id supported
}

var (
	dialectSQLite   = dialect{name: "sqlite", returning: true}
	dialectPostgres = dialect{name: "postgres", returning: true}
	dialectMySQL    = dialect{name: "mysql", returning: false}
)

// rebind rewrites '?' placeholders to the backend's native form.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
