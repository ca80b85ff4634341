package database

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	DriverSQLite    = "sqlite3"
	DriverSQLServer = "sqlserver"
	// MySQL DSNs need parseTime=true so updatedAt scans into time.Time.
	DriverMySQL = "mysql"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	create string
	upsert string
}

//goland:noinspection SqlDialectInspection
var dialects = map[string]dialect{
	DriverSQLite: {
		create: `
		CREATE TABLE IF NOT EXISTS %[1]s (
		workerRank INTEGER NOT NULL PRIMARY KEY,
		epoch INTEGER NOT NULL,
		globalStep INTEGER NOT NULL,
		updatedAt TIMESTAMP NOT NULL
		);`,
		upsert: "INSERT OR REPLACE INTO %[1]s VALUES(?,?,?,?)",
	},
	DriverSQLServer: {
		create: `
		IF OBJECT_ID(N'%[1]s', N'U') IS NULL
		CREATE TABLE %[1]s (
		workerRank INT NOT NULL PRIMARY KEY,
		epoch BIGINT NOT NULL,
		globalStep BIGINT NOT NULL,
		updatedAt DATETIME2 NOT NULL
		);`,
		upsert: `
		MERGE %[1]s AS t
		USING (SELECT @p1 AS workerRank) AS s ON t.workerRank = s.workerRank
		WHEN MATCHED THEN UPDATE SET epoch = @p2, globalStep = @p3, updatedAt = @p4
		WHEN NOT MATCHED THEN INSERT (workerRank, epoch, globalStep, updatedAt)
		VALUES (@p1, @p2, @p3, @p4);`,
	},
	DriverMySQL: {
		create: `
		CREATE TABLE IF NOT EXISTS %[1]s (
		workerRank INT NOT NULL PRIMARY KEY,
		epoch BIGINT NOT NULL,
		globalStep BIGINT NOT NULL,
		updatedAt DATETIME(6) NOT NULL
		);`,
		upsert: `
		INSERT INTO %[1]s VALUES(?,?,?,?)
		ON DUPLICATE KEY UPDATE epoch = VALUES(epoch), globalStep = VALUES(globalStep), updatedAt = VALUES(updatedAt)`,
	},
}

// SQLLedger stores progress in a table of a SQLite file, a SQL Server
// database or a MySQL database.
type SQLLedger struct {
	db      *sql.DB
	dialect dialect
	table   string
}

// OpenSQL connects with driver ("sqlite3", "sqlserver" or "mysql") and
// creates the table if it is missing.
func OpenSQL(ctx context.Context, driver, dsn, table string) (*SQLLedger, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("unsupported ledger driver %q", driver)
	}
	if table == "" {
		table = DEFAULT_TABLE
	}
	if !tableNamePattern.MatchString(table) {
		return nil, errors.Errorf("invalid table name %q", table)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s ledger", driver)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.create, table)); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create ledger table")
	}
	return &SQLLedger{db: db, dialect: d, table: table}, nil
}

func (l *SQLLedger) Record(ctx context.Context, p Progress) error {
	_, err := l.db.ExecContext(ctx,
		fmt.Sprintf(l.dialect.upsert, l.table),
		p.Rank, p.Epoch, p.GlobalStep, p.UpdatedAt.UTC(),
	)
	return errors.Wrapf(err, "record progress of rank %d", p.Rank)
}

func (l *SQLLedger) All(ctx context.Context) ([]Progress, error) {
	rows, err := l.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT workerRank, epoch, globalStep, updatedAt FROM %s ORDER BY workerRank", l.table,
	))
	if err != nil {
		return nil, errors.Wrap(err, "query ledger")
	}
	defer rows.Close()

	var records []Progress
	for rows.Next() {
		var (
			p         Progress
			updatedAt time.Time
		)
		if err := rows.Scan(&p.Rank, &p.Epoch, &p.GlobalStep, &updatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger row")
		}
		p.UpdatedAt = updatedAt.UTC()
		records = append(records, p)
	}
	return records, rows.Err()
}

func (l *SQLLedger) Close() error {
	return l.db.Close()
}
