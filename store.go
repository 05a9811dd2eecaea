package mera

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fumin/tensor"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	tableSpace   = "space"
	tableSector  = "sector"
	tableShape   = "shape"
	tableElement = "element"

	legInput  = 0
	legOutput = 1

	storeTimeout = 10 * time.Minute
)

// Save writes the layer tensors and bond spaces of a network to an sqlite
// database at dbPath, replacing any previous snapshot. Caches are not saved.
func Save(dbPath string, n *Network) error {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := prepareStore(ctx, db); err != nil {
		return errors.Wrap(err, "")
	}

	for d := 1; d <= n.NumTransitionLayers(); d++ {
		lay := n.GetLayer(d)
		if err := saveSpace(ctx, db, d, legInput, lay.InputSpace()); err != nil {
			return errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		if err := saveSpace(ctx, db, d, legOutput, lay.OutputSpace()); err != nil {
			return errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		for idx, t := range lay.Tensors() {
			if err := saveTensor(ctx, db, d, idx, t); err != nil {
				return errors.Wrap(err, fmt.Sprintf("depth %d tensor %d", d, idx))
			}
		}
	}
	return nil
}

// Load reads a snapshot written by Save and rebuilds the network using the
// factory of the concrete scheme it was built with. All caches start cold.
func Load(dbPath string, factory LayerFactory) (*Network, error) {
	// mode=ro so that loading a nonexistent path fails without creating
	// an empty database file.
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	numLayers, err := countLayers(ctx, db)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	layers := make([]Layer, 0, numLayers)
	for d := 1; d <= numLayers; d++ {
		in, err := loadSpace(ctx, db, d, legInput)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		out, err := loadSpace(ctx, db, d, legOutput)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		lay, err := factory(in, out, false)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		ts := make([]*tensor.Dense, 0, len(lay.Tensors()))
		for idx := range lay.Tensors() {
			t, err := loadTensor(ctx, db, d, idx)
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("depth %d tensor %d", d, idx))
			}
			ts = append(ts, t)
		}
		lay, err = lay.WithTensors(ts...)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("depth %d", d))
		}
		layers = append(layers, lay)
	}
	return New(layers...)
}

func prepareStore(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableSpace),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableSector),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableShape),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableElement),
		fmt.Sprintf(`CREATE TABLE %s (depth INTEGER, leg INTEGER, dim INTEGER, PRIMARY KEY (depth, leg)) STRICT`, tableSpace),
		fmt.Sprintf(`CREATE TABLE %s (depth INTEGER, leg INTEGER, pos INTEGER, charge INTEGER, dim INTEGER, PRIMARY KEY (depth, leg, pos)) STRICT`, tableSector),
		fmt.Sprintf(`CREATE TABLE %s (depth INTEGER, idx INTEGER, axis INTEGER, dim INTEGER, PRIMARY KEY (depth, idx, axis)) STRICT`, tableShape),
		fmt.Sprintf(`CREATE TABLE %s (depth INTEGER, idx INTEGER, i INTEGER, re REAL, im REAL, PRIMARY KEY (depth, idx, i)) STRICT`, tableElement),
	}
	for _, sqlStr := range stmts {
		if _, err := db.ExecContext(ctx, sqlStr); err != nil {
			return errors.Wrap(err, sqlStr)
		}
	}
	return nil
}

func saveSpace(ctx context.Context, db *sql.DB, depth, leg int, s Space) error {
	sqlStr := fmt.Sprintf(`INSERT INTO %s (depth, leg, dim) VALUES (?, ?, ?)`, tableSpace)
	if _, err := db.ExecContext(ctx, sqlStr, depth, leg, s.Dim); err != nil {
		return errors.Wrap(err, "")
	}
	for pos, sec := range s.Sectors {
		sqlStr := fmt.Sprintf(`INSERT INTO %s (depth, leg, pos, charge, dim) VALUES (?, ?, ?, ?, ?)`, tableSector)
		if _, err := db.ExecContext(ctx, sqlStr, depth, leg, pos, sec.Charge, sec.Dim); err != nil {
			return errors.Wrap(err, "")
		}
	}
	return nil
}

func loadSpace(ctx context.Context, db *sql.DB, depth, leg int) (Space, error) {
	sqlStr := fmt.Sprintf(`SELECT dim FROM %s WHERE depth=? AND leg=?`, tableSpace)
	var dim int
	if err := db.QueryRowContext(ctx, sqlStr, depth, leg).Scan(&dim); err != nil {
		return Space{}, errors.Wrap(err, "")
	}

	sqlStr = fmt.Sprintf(`SELECT charge, dim FROM %s WHERE depth=? AND leg=? ORDER BY pos`, tableSector)
	rows, err := db.QueryContext(ctx, sqlStr, depth, leg)
	if err != nil {
		return Space{}, errors.Wrap(err, "")
	}
	defer rows.Close()
	var sectors []Sector
	for rows.Next() {
		var sec Sector
		if err := rows.Scan(&sec.Charge, &sec.Dim); err != nil {
			return Space{}, errors.Wrap(err, "")
		}
		sectors = append(sectors, sec)
	}
	if err := rows.Err(); err != nil {
		return Space{}, errors.Wrap(err, "")
	}

	if len(sectors) == 0 {
		return NewSpace(dim), nil
	}
	s := NewSectorSpace(sectors)
	if s.Dim != dim {
		return Space{}, errors.Wrap(ErrInvariant, fmt.Sprintf("sector dims sum to %d, space dim %d", s.Dim, dim))
	}
	return s, nil
}

func saveTensor(ctx context.Context, db *sql.DB, depth, idx int, t *tensor.Dense) error {
	shape := t.Shape()
	for axis, dim := range shape {
		sqlStr := fmt.Sprintf(`INSERT INTO %s (depth, idx, axis, dim) VALUES (?, ?, ?, ?)`, tableShape)
		if _, err := db.ExecContext(ctx, sqlStr, depth, idx, axis, dim); err != nil {
			return errors.Wrap(err, "")
		}
	}
	for ijk, v := range t.All() {
		if v == 0 {
			continue
		}
		sqlStr := fmt.Sprintf(`INSERT INTO %s (depth, idx, i, re, im) VALUES (?, ?, ?, ?, ?)`, tableElement)
		args := []any{depth, idx, flatIndex(ijk, shape), real(v), imag(v)}
		if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%s %#v", sqlStr, args))
		}
	}
	return nil
}

func loadTensor(ctx context.Context, db *sql.DB, depth, idx int) (*tensor.Dense, error) {
	sqlStr := fmt.Sprintf(`SELECT dim FROM %s WHERE depth=? AND idx=? ORDER BY axis`, tableShape)
	rows, err := db.QueryContext(ctx, sqlStr, depth, idx)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer rows.Close()
	var shape []int
	for rows.Next() {
		var dim int
		if err := rows.Scan(&dim); err != nil {
			return nil, errors.Wrap(err, "")
		}
		shape = append(shape, dim)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	if len(shape) == 0 {
		return nil, errors.Wrap(ErrInvariant, "no shape")
	}

	t := tensor.Zeros(shape...)
	sqlStr = fmt.Sprintf(`SELECT i, re, im FROM %s WHERE depth=? AND idx=?`, tableElement)
	elems, err := db.QueryContext(ctx, sqlStr, depth, idx)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	defer elems.Close()
	for elems.Next() {
		var i int
		var re, im float32
		if err := elems.Scan(&i, &re, &im); err != nil {
			return nil, errors.Wrap(err, "")
		}
		t.SetAt(unflatten(i, shape), complex(re, im))
	}
	if err := elems.Err(); err != nil {
		return nil, errors.Wrap(err, "")
	}
	return t, nil
}

func countLayers(ctx context.Context, db *sql.DB) (int, error) {
	sqlStr := fmt.Sprintf(`SELECT count(DISTINCT depth) FROM %s`, tableSpace)
	var n int
	if err := db.QueryRowContext(ctx, sqlStr).Scan(&n); err != nil {
		return -1, errors.Wrap(err, "")
	}
	if n == 0 {
		return -1, errors.Wrap(ErrInvariant, "empty snapshot")
	}
	return n, nil
}

// flatIndex flattens digits row-major, first axis most significant.
func flatIndex(digits, shape []int) int {
	i := 0
	for axis, d := range digits {
		i = i*shape[axis] + d
	}
	return i
}

func unflatten(i int, shape []int) []int {
	digits := make([]int, len(shape))
	for axis := len(shape) - 1; axis >= 0; axis-- {
		digits[axis] = i % shape[axis]
		i /= shape[axis]
	}
	return digits
}
