package handle

import (
	"fmt"
	"sync/atomic"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// The QL backend keeps the handle records in an embedded database file.

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var qlMigrations = []migration.Migrator{
	qlschema1,
	qlschema2,
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE IF NOT EXISTS migration_version (version int, applied time)`,
}

var qlDialect = dialect{
	name:   "ql",
	update: `UPDATE handles SET kind = ?2, display_name = ?3, token = ?4, saved_at = ?5 WHERE id == ?1`,
	insert: `INSERT INTO handles VALUES (?1, ?2, ?3, ?4, ?5)`,
	get:    `SELECT id, kind, display_name, token, saved_at FROM handles WHERE id == ?1 LIMIT 1`,
	all:    `SELECT id, kind, display_name, token, saved_at FROM handles ORDER BY id`,
	delete: `DELETE FROM handles WHERE id == ?1`,
}

var qlMemoryCount int64

// NewQlBackend opens (creating if needed) a QL database in filename. The
// filename "memory" means to keep everything in memory; every such backend
// is a separate database.
func NewQlBackend(filename string) (Backend, error) {
	driver, dsn := "ql", filename
	if filename == "memory" {
		n := atomic.AddInt64(&qlMemoryCount, 1)
		driver, dsn = "ql-mem", fmt.Sprintf("handles-%d.db", n)
	}
	return openBackend(driver, dsn, qlMigrations, qlVersioning, qlDialect)
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS handles (
			id string,
			kind string,
			display_name string,
			token string,
			saved_at time
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS handleid ON handles (id)`,
	}
	return execlist(tx, s)
}

func qlschema2(tx migration.LimitedTx) error {
	_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS handlesaved ON handles (saved_at)`)
	return err
}

// execlist exec's each item in the list, return if there is an error.
func execlist(tx migration.LimitedTx, stmts []string) error {
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
