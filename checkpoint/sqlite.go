package checkpoint

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"gradsync/tensor"
)

//goland:noinspection SqlDialectInspection
const createCheckpoint = `
	CREATE TABLE IF NOT EXISTS checkpoint (
	id INTEGER NOT NULL PRIMARY KEY CHECK (id = 0),
	epoch INTEGER NOT NULL,
	globalStep INTEGER NOT NULL,
	modelState BLOB NOT NULL,
	optimizerState BLOB NOT NULL
	);`

// SQLiteBackend keeps the record as the only row of a table in a SQLite
// database file at the checkpoint path.
type SQLiteBackend struct{}

func NewSQLiteBackend() *SQLiteBackend {
	return &SQLiteBackend{}
}

func getConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return db, nil
}

func (b *SQLiteBackend) Write(path string, rec *Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "create checkpoint directory")
	}
	db, err := getConnection(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(createCheckpoint); err != nil {
		return errors.Wrap(err, "create checkpoint table")
	}

	var model, opt bytes.Buffer
	if err := gob.NewEncoder(&model).Encode(rec.ModelState); err != nil {
		return errors.Wrap(err, "encode model state")
	}
	if err := gob.NewEncoder(&opt).Encode(rec.OptimizerState); err != nil {
		return errors.Wrap(err, "encode optimizer state")
	}

	_, err = db.Exec(
		"INSERT OR REPLACE INTO checkpoint VALUES(0,?,?,?,?)",
		rec.Epoch, rec.GlobalStep, model.Bytes(), opt.Bytes(),
	)
	return errors.Wrap(err, "insert checkpoint")
}

func (b *SQLiteBackend) Read(path string) (*Record, error) {
	// sql.Open would create an empty database file
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	db, err := getConnection(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var (
		rec        Record
		model, opt []byte
	)
	err = db.QueryRow(
		"SELECT epoch, globalStep, modelState, optimizerState FROM checkpoint WHERE id=0",
	).Scan(&rec.Epoch, &rec.GlobalStep, &model, &opt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "query %s: %v", path, err)
	}

	if rec.ModelState, err = decodeState(model); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "model state: %v", err)
	}
	if rec.OptimizerState, err = decodeState(opt); err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "optimizer state: %v", err)
	}
	return &rec, nil
}

func decodeState(b []byte) (*tensor.Map, error) {
	var m *tensor.Map
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}
