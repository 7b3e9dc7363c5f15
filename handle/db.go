package handle

import (
	"context"
	"database/sql"
	"time"

	"github.com/BurntSushi/migration"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// we need to adapt the migration version functions to work with MySQL and QL.
// This code is slightly modified from github.com/BurntSushi/migration

type dbVersion struct {
	// SQL to get the version of this db, returns one row and one column
	GetSQL string
	// SQL to insert a new version of this db. takes one parameter, the new
	// version
	SetSQL string
	// the SQL to create the version table for this db
	CreateSQL string
}

// Get is called outside of a transaction, so it must not write. A missing
// version table is version 0.
func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.WithField("err", err).Debug("handle db: no schema version")
		return 0, nil
	}
	log.WithField("version", v).Debug("handle db: schema version")
	return v, nil
}

// Set records version, creating the version table first if the insert
// fails.
func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if err := d.set(tx, version); err != nil {
		if _, err := tx.Exec(d.CreateSQL); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version sql.NullInt64
	if err := tx.QueryRow(d.GetSQL).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

// dialect holds the statements a sqlBackend needs. Each takes its arguments
// in the order id, kind, display name, token, saved at.
type dialect struct {
	name   string
	upsert string // optional; if empty update is tried before insert
	update string
	insert string
	get    string
	all    string
	delete string
}

// sqlBackend keeps Records in a "handles" table.
type sqlBackend struct {
	db *sql.DB
	d  dialect
}

var _ Backend = &sqlBackend{}

func openBackend(driver, dsn string, migrations []migration.Migrator, v dbVersion, d dialect) (*sqlBackend, error) {
	db, err := migration.OpenWith(driver, dsn, migrations, v.Get, v.Set)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", d.name)
	}
	// one operation at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &sqlBackend{db: db, d: d}, nil
}

func (b *sqlBackend) Put(ctx context.Context, rec Record) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		args := []interface{}{rec.ID, string(rec.Kind), rec.DisplayName, rec.Token, rec.SavedAt.UTC()}
		if b.d.upsert != "" {
			_, err := tx.ExecContext(ctx, b.d.upsert, args...)
			return err
		}
		result, err := tx.ExecContext(ctx, b.d.update, args...)
		if err != nil {
			return err
		}
		nrows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if nrows == 0 {
			// record didn't exist. create it
			_, err = tx.ExecContext(ctx, b.d.insert, args...)
		}
		return err
	})
}

func (b *sqlBackend) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(b.db.QueryRowContext(ctx, b.d.get, id))
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (b *sqlBackend) All(ctx context.Context) ([]Record, error) {
	rows, err := b.db.QueryContext(ctx, b.d.all)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (b *sqlBackend) Delete(ctx context.Context, id string) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, b.d.delete, id)
		return err
	})
}

func (b *sqlBackend) Close() error {
	return b.db.Close()
}

// withTx runs f inside a transaction. ql refuses writes outside of one.
func (b *sqlBackend) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = f(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var kind string
	var savedAt time.Time
	err := row.Scan(&rec.ID, &kind, &rec.DisplayName, &rec.Token, &savedAt)
	if err != nil {
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.SavedAt = savedAt.UTC()
	return rec, nil
}
