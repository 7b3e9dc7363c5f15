package handle

import (
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"
)

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE IF NOT EXISTS migration_version (version INTEGER, applied datetime)`,
}

var mysqlDialect = dialect{
	name: "mysql",
	upsert: `INSERT INTO handles (id, kind, display_name, token, saved_at) VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE kind = VALUES(kind), display_name = VALUES(display_name),
		token = VALUES(token), saved_at = VALUES(saved_at)`,
	get:    `SELECT id, kind, display_name, token, saved_at FROM handles WHERE id = ? LIMIT 1`,
	all:    `SELECT id, kind, display_name, token, saved_at FROM handles ORDER BY id`,
	delete: `DELETE FROM handles WHERE id = ?`,
}

// NewMysqlBackend connects to a MySQL database, bringing its schema up to
// date. dial is a go-sql-driver DSN, e.g. "user:pass@tcp(localhost:3306)/vellum".
func NewMysqlBackend(dial string) (Backend, error) {
	conf, err := mysql.ParseDSN(dial)
	if err != nil {
		return nil, err
	}
	// saved_at is scanned into a time.Time
	conf.ParseTime = true
	return openBackend("mysql", conf.FormatDSN(), mysqlMigrations, mysqlVersioning, mysqlDialect)
}

func mysqlschema1(tx migration.LimitedTx) error {
	_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS handles (
		id varchar(255) NOT NULL,
		kind varchar(16) NOT NULL,
		display_name varchar(255),
		token text,
		saved_at datetime,
		PRIMARY KEY (id)
	)`)
	return err
}

func mysqlschema2(tx migration.LimitedTx) error {
	_, err := tx.Exec(`CREATE INDEX handlesaved ON handles (saved_at)`)
	return err
}
