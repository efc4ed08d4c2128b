package table

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// File format, one record per line:
//
//	TABLE:<name>
//	COLUMNS:<col>:<type>,<col>:<type>,...
//	PK:<col>
//	AUTO:<next-autoincrement>
//	ROW:<col>=<tag><value>\x1F<col>=<tag><value>...
//
// A blank line separates tables. Value tags: I integer, R real, T text,
// NULL null. Text escapes \n, \r and \x1F with a backslash. Blob cells
// persist under the T tag.

const fieldSep = "\x1F"

func escapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0x1F:
			b.WriteString(`\u`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescapeText(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 'u':
				b.WriteByte(0x1F)
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte(s[i+1])
			}
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func encodeCell(v Value) string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return "I" + strconv.FormatInt(v.I, 10)
	case KindReal:
		return "R" + strconv.FormatFloat(v.R, 'g', -1, 64)
	case KindBlob:
		return "T" + escapeText(string(v.B))
	default:
		return "T" + escapeText(v.S)
	}
}

func decodeCell(s string) Value {
	switch {
	case s == "NULL":
		return Null()
	case strings.HasPrefix(s, "I"):
		i, _ := strconv.ParseInt(s[1:], 10, 64)
		return Int(i)
	case strings.HasPrefix(s, "R"):
		f, _ := strconv.ParseFloat(s[1:], 64)
		return Real(f)
	case strings.HasPrefix(s, "T"):
		return Text(unescapeText(s[1:]))
	}
	return Null()
}

// persistLocked writes the whole database to a temp file and renames it over
// the target, so readers never observe a torn file.
func (db *DB) persistLocked() error {
	if db.path == "" {
		return nil
	}
	dir := filepath.Dir(db.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "table: create data dir")
		}
	}

	tmp, err := os.CreateTemp(dir, ".db-*")
	if err != nil {
		return errors.Wrap(err, "table: create temp file")
	}
	w := bufio.NewWriter(tmp)

	writeErr := func() error {
		for _, name := range db.order {
			t := db.tables[name]
			if _, err := w.WriteString("TABLE:" + t.name + "\n"); err != nil {
				return err
			}
			cols := make([]string, len(t.cols))
			for i, c := range t.cols {
				cols[i] = c.Name + ":" + c.Type
			}
			if _, err := w.WriteString("COLUMNS:" + strings.Join(cols, ",") + "\n"); err != nil {
				return err
			}
			if _, err := w.WriteString("PK:" + t.pk + "\n"); err != nil {
				return err
			}
			if _, err := w.WriteString("AUTO:" + strconv.FormatInt(t.auto, 10) + "\n"); err != nil {
				return err
			}
			for _, row := range t.rows {
				cells := make([]string, len(row))
				for i, v := range row {
					cells[i] = t.cols[i].Name + "=" + encodeCell(v)
				}
				if _, err := w.WriteString("ROW:" + strings.Join(cells, fieldSep) + "\n"); err != nil {
					return err
				}
			}
			if _, err := w.WriteString("\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	}()

	if writeErr != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(writeErr, "table: write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "table: close temp file")
	}
	if err := os.Rename(tmp.Name(), db.path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "table: rename")
	}
	return nil
}

func (db *DB) loadFileLocked() error {
	db.tables = map[string]*tbl{}
	db.order = nil
	if db.path == "" {
		return nil
	}

	f, err := os.Open(db.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "table: open")
	}
	defer func() { _ = f.Close() }()

	var cur *tbl
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			cur = nil
		case strings.HasPrefix(line, "TABLE:"):
			cur = &tbl{name: line[len("TABLE:"):], auto: 1}
			db.tables[cur.name] = cur
			db.order = append(db.order, cur.name)
		case cur == nil:
			// stray line outside a table block, skip
		case strings.HasPrefix(line, "COLUMNS:"):
			for _, spec := range strings.Split(line[len("COLUMNS:"):], ",") {
				name, typ, _ := strings.Cut(spec, ":")
				if name == "" {
					continue
				}
				cur.cols = append(cur.cols, columnDef{Name: name, Type: typ})
			}
		case strings.HasPrefix(line, "PK:"):
			cur.pk = line[len("PK:"):]
		case strings.HasPrefix(line, "AUTO:"):
			cur.auto, _ = strconv.ParseInt(line[len("AUTO:"):], 10, 64)
		case strings.HasPrefix(line, "ROW:"):
			row := make([]Value, len(cur.cols))
			for _, cell := range strings.Split(line[len("ROW:"):], fieldSep) {
				col, enc, ok := strings.Cut(cell, "=")
				if !ok {
					continue
				}
				if idx := cur.colIndex(col); idx >= 0 {
					row[idx] = decodeCell(enc)
				}
			}
			cur.rows = append(cur.rows, row)
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "table: scan")
	}
	return nil
}
