package database

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/config"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name       string
	DriverName string
	// Numbered placeholders ($1, $2) instead of '?'.
	Numbered bool
	// Returning is true when INSERT ... RETURNING is used instead of LastInsertId.
	Returning bool
	// InsertIgnoreSuffix turns an INSERT into a no-op when it would violate a unique key.
	InsertIgnoreSuffix string
}

var dialects = map[string]Dialect{
	config.DriverSQLite: {
		Name:               config.DriverSQLite,
		DriverName:         "sqlite",
		InsertIgnoreSuffix: "ON CONFLICT (session_id, name) DO NOTHING",
	},
	config.DriverPostgres: {
		Name:               config.DriverPostgres,
		DriverName:         "postgres",
		Numbered:           true,
		Returning:          true,
		InsertIgnoreSuffix: "ON CONFLICT (session_id, name) DO NOTHING",
	},
	config.DriverMySQL: {
		Name:       config.DriverMySQL,
		DriverName: "mysql",
		// INSERT IGNORE would also swallow foreign key failures.
		InsertIgnoreSuffix: "ON DUPLICATE KEY UPDATE attendance_id = attendance_id",
	},
}

// DialectFor returns the dialect registered for driver.
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}

// Rebind rewrites '?' placeholders for dialects with numbered parameters.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
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

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTime converts a scanned timestamp column into a UTC time. Drivers return
// time.Time, string or []byte depending on column type and DSN options.
func ParseTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is NULL")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
