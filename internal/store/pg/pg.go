// Package pg is the PostgreSQL backend. It uses the pgx database/sql driver
// and classifies connection-level and serialization failures as transient.
package pg

import (
	"database/sql"
	"database/sql/driver"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"stepwise.studio/internal/store"
	"stepwise.studio/internal/store/sqlstore"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Dialect renders $n placeholders.
type Dialect struct{}

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Dialect) Arg(v any) any {
	switch x := v.(type) {
	case json.RawMessage:
		return []byte(x)
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

// Transient SQLSTATEs: serialization failure, deadlock, too many
// connections, admin shutdown, crash shutdown, cannot connect now.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

func (Dialect) Classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] || strings.HasPrefix(pgErr.Code, "08") {
			return store.Transient(err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connErr),
		errors.As(err, &netErr),
		errors.Is(err, driver.ErrBadConn),
		pgconn.SafeToRetry(err):
		return store.Transient(err)
	}
	return err
}

// Open connects to PostgreSQL and returns a Store.
func Open(dsn string) (*sqlstore.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return sqlstore.New(db, Dialect{}), nil
}
