package table

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// ErrQuery wraps execution failures (unknown table or column, placeholder
// arity). Callers that prefer the original's lenient behavior can treat it
// as an empty result.
var ErrQuery = errors.New("table: query error")

type tbl struct {
	name string
	cols []columnDef
	pk   string
	auto int64
	rows [][]Value
}

func (t *tbl) colIndex(name string) int {
	for i, c := range t.cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// DB is the embedded database. One mutex covers all tables; every statement
// outside an explicit transaction rewrites the backing file atomically.
type DB struct {
	mu     sync.Mutex
	path   string
	tables map[string]*tbl
	order  []string // table creation order, for stable persistence
	inTxn  bool
}

// Open loads the database at path, creating an empty one when the file does
// not exist.
func Open(path string) (*DB, error) {
	db := &DB{path: path, tables: map[string]*tbl{}}
	if err := db.loadFile(); err != nil {
		return nil, err
	}
	return db, nil
}

// Result reports rows returned by a SELECT.
type Result struct {
	Cols []string
	Rows [][]Value
}

// Maps returns the result as column-name maps, which reads better at call
// sites that only touch a few columns.
func (r *Result) Maps() []map[string]Value {
	out := make([]map[string]Value, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]Value, len(r.Cols))
		for i, c := range r.Cols {
			m[c] = row[i]
		}
		out = append(out, m)
	}
	return out
}

// Exec runs a non-SELECT statement. It returns the number of affected rows.
func (db *DB) Exec(sql string, args ...Value) (int, error) {
	stmt, err := parse(sql)
	if err != nil {
		return 0, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	switch s := stmt.(type) {
	case beginStmt:
		db.inTxn = true
		return 0, nil
	case commitStmt:
		db.inTxn = false
		return 0, db.persistLocked()
	case rollbackStmt:
		db.inTxn = false
		db.tables = map[string]*tbl{}
		db.order = nil
		return 0, db.loadFileLocked()
	case createTableStmt:
		return 0, db.createTableLocked(s)
	case createIndexStmt:
		// Indexes are accepted for forward compatibility; queries scan.
		return 0, nil
	case insertStmt:
		n, err := db.insertLocked(s, args)
		if err != nil {
			return 0, err
		}
		return n, db.maybePersistLocked()
	case updateStmt:
		n, err := db.updateLocked(s, args)
		if err != nil {
			return 0, err
		}
		return n, db.maybePersistLocked()
	case deleteStmt:
		n, err := db.deleteLocked(s, args)
		if err != nil {
			return 0, err
		}
		return n, db.maybePersistLocked()
	case selectStmt:
		return 0, errors.Wrap(ErrQuery, "Exec called with SELECT, use Query")
	}
	return 0, errors.Wrap(ErrQuery, "unhandled statement")
}

// Query runs a SELECT.
func (db *DB) Query(sql string, args ...Value) (*Result, error) {
	stmt, err := parse(sql)
	if err != nil {
		return nil, err
	}
	sel, ok := stmt.(selectStmt)
	if !ok {
		return nil, errors.Wrap(ErrQuery, "Query requires a SELECT statement")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	return db.selectLocked(sel, args)
}

func (db *DB) createTableLocked(s createTableStmt) error {
	if _, exists := db.tables[s.Name]; exists {
		if s.IfNotExists {
			return nil
		}
		return errors.Wrapf(ErrQuery, "table %s already exists", s.Name)
	}
	db.tables[s.Name] = &tbl{name: s.Name, cols: s.Cols, pk: s.PK, auto: 1}
	db.order = append(db.order, s.Name)
	return db.maybePersistLocked()
}

func (db *DB) table(name string) (*tbl, error) {
	t, ok := db.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrQuery, "no such table %s", name)
	}
	return t, nil
}

type argCursor struct {
	args []Value
	pos  int
}

func (a *argCursor) next() (Value, error) {
	if a.pos >= len(a.args) {
		return Value{}, errors.Wrap(ErrQuery, "not enough placeholder arguments")
	}
	v := a.args[a.pos]
	a.pos++
	return v, nil
}

func (a *argCursor) resolve(e expr) (Value, error) {
	if e.Placeholder {
		return a.next()
	}
	return e.Lit, nil
}

func (db *DB) insertLocked(s insertStmt, args []Value) (int, error) {
	t, err := db.table(s.Table)
	if err != nil {
		return 0, err
	}
	cur := &argCursor{args: args}

	row := make([]Value, len(t.cols))
	pkSet := false
	for i, col := range s.Cols {
		idx := t.colIndex(col)
		if idx < 0 {
			return 0, errors.Wrapf(ErrQuery, "no such column %s.%s", s.Table, col)
		}
		v, err := cur.resolve(s.Vals[i])
		if err != nil {
			return 0, err
		}
		row[idx] = v
		if strings.EqualFold(col, t.pk) && !v.IsNull() {
			pkSet = true
			if v.Kind == KindInt && v.I >= t.auto {
				t.auto = v.I + 1
			}
		}
	}
	if t.pk != "" && !pkSet {
		if idx := t.colIndex(t.pk); idx >= 0 && strings.Contains(t.cols[idx].Type, "INT") {
			row[idx] = Int(t.auto)
			t.auto++
		}
	}
	t.rows = append(t.rows, row)
	return 1, nil
}

func matchLike(s, pattern string) bool {
	prefix := strings.HasPrefix(pattern, "%")
	suffix := strings.HasSuffix(pattern, "%")
	core := strings.TrimSuffix(strings.TrimPrefix(pattern, "%"), "%")
	switch {
	case prefix && suffix:
		return strings.Contains(s, core)
	case prefix:
		return strings.HasSuffix(s, core)
	case suffix:
		return strings.HasPrefix(s, core)
	}
	return s == pattern
}

func (db *DB) matchRows(t *tbl, where *whereClause, cur *argCursor) ([]int, error) {
	var cond Value
	colIdx := -1
	if where != nil {
		colIdx = t.colIndex(where.Col)
		if colIdx < 0 {
			return nil, errors.Wrapf(ErrQuery, "no such column %s.%s", t.name, where.Col)
		}
		v, err := cur.resolve(where.Val)
		if err != nil {
			return nil, err
		}
		cond = v
	}

	var idxs []int
	for i, row := range t.rows {
		if where == nil {
			idxs = append(idxs, i)
			continue
		}
		cell := row[colIdx]
		if where.Like {
			if matchLike(cell.AsText(), cond.AsText()) {
				idxs = append(idxs, i)
			}
		} else if cell.Equal(cond) {
			idxs = append(idxs, i)
		}
	}
	return idxs, nil
}

func orderIdxs(t *tbl, idxs []int, orderBy string, desc bool) error {
	if orderBy == "" {
		return nil
	}
	col := t.colIndex(orderBy)
	if col < 0 {
		return errors.Wrapf(ErrQuery, "no such column %s.%s", t.name, orderBy)
	}
	sort.SliceStable(idxs, func(a, b int) bool {
		less := t.rows[idxs[a]][col].Less(t.rows[idxs[b]][col])
		if desc {
			more := t.rows[idxs[b]][col].Less(t.rows[idxs[a]][col])
			return more
		}
		return less
	})
	return nil
}

func clampWindow(idxs []int, limit, offset int) []int {
	if offset > 0 {
		if offset >= len(idxs) {
			return nil
		}
		idxs = idxs[offset:]
	}
	if limit >= 0 && limit < len(idxs) {
		idxs = idxs[:limit]
	}
	return idxs
}

func (db *DB) selectLocked(s selectStmt, args []Value) (*Result, error) {
	t, err := db.table(s.Table)
	if err != nil {
		return nil, err
	}
	cur := &argCursor{args: args}

	idxs, err := db.matchRows(t, s.Where, cur)
	if err != nil {
		return nil, err
	}
	if err := orderIdxs(t, idxs, s.OrderBy, s.Desc); err != nil {
		return nil, err
	}
	idxs = clampWindow(idxs, s.Limit, s.Offset)

	var colIdx []int
	var colNames []string
	if s.Cols == nil {
		for i, c := range t.cols {
			colIdx = append(colIdx, i)
			colNames = append(colNames, c.Name)
		}
	} else {
		for _, c := range s.Cols {
			i := t.colIndex(c)
			if i < 0 {
				return nil, errors.Wrapf(ErrQuery, "no such column %s.%s", s.Table, c)
			}
			colIdx = append(colIdx, i)
			colNames = append(colNames, t.cols[i].Name)
		}
	}

	res := &Result{Cols: colNames}
	for _, ri := range idxs {
		row := make([]Value, len(colIdx))
		for j, ci := range colIdx {
			row[j] = t.rows[ri][ci]
		}
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

func (db *DB) updateLocked(s updateStmt, args []Value) (int, error) {
	t, err := db.table(s.Table)
	if err != nil {
		return 0, err
	}

	// SET placeholders bind before WHERE placeholders, matching statement
	// order.
	cur := &argCursor{args: args}
	setVals := make([]Value, len(s.Sets))
	setIdx := make([]int, len(s.Sets))
	for i, set := range s.Sets {
		idx := t.colIndex(set.Col)
		if idx < 0 {
			return 0, errors.Wrapf(ErrQuery, "no such column %s.%s", s.Table, set.Col)
		}
		v, err := cur.resolve(set.Val)
		if err != nil {
			return 0, err
		}
		setIdx[i], setVals[i] = idx, v
	}

	idxs, err := db.matchRows(t, s.Where, cur)
	if err != nil {
		return 0, err
	}
	for _, ri := range idxs {
		for i := range s.Sets {
			t.rows[ri][setIdx[i]] = setVals[i]
		}
	}
	return len(idxs), nil
}

func (db *DB) deleteLocked(s deleteStmt, args []Value) (int, error) {
	t, err := db.table(s.Table)
	if err != nil {
		return 0, err
	}
	cur := &argCursor{args: args}

	idxs, err := db.matchRows(t, s.Where, cur)
	if err != nil {
		return 0, err
	}
	if err := orderIdxs(t, idxs, s.OrderBy, s.Desc); err != nil {
		return 0, err
	}
	if s.HasLim {
		idxs = clampWindow(idxs, s.Limit, 0)
	}

	doomed := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		doomed[i] = true
	}
	kept := t.rows[:0]
	for i, row := range t.rows {
		if !doomed[i] {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	return len(idxs), nil
}

func (db *DB) maybePersistLocked() error {
	if db.inTxn {
		return nil
	}
	return db.persistLocked()
}

// Flush forces the database to disk regardless of transaction state.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.persistLocked()
}

func (db *DB) loadFile() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.loadFileLocked()
}

// TableNames lists tables in creation order, mainly for diagnostics.
func (db *DB) TableNames() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]string, len(db.order))
	copy(out, db.order)
	return out
}

// RowCount returns the number of rows in a table, 0 when absent.
func (db *DB) RowCount(name string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	if t, ok := db.tables[name]; ok {
		return len(t.rows)
	}
	return 0
}
