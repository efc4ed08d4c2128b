package table

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ErrParse is wrapped around every statement rejection so callers can treat
// malformed SQL uniformly.
var ErrParse = errors.New("table: parse error")

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokPunct
	tokPlaceholder
	tokEOF
)

type token struct {
	kind tokenKind
	text string
}

type lexer struct {
	input string
	pos   int
	toks  []token
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '?':
			l.toks = append(l.toks, token{tokPlaceholder, "?"})
			l.pos++
		case c == '(' || c == ')' || c == ',' || c == '=' || c == '*' || c == ';':
			l.toks = append(l.toks, token{tokPunct, string(c)})
			l.pos++
		case c == '\'':
			s, err := l.lexString()
			if err != nil {
				return nil, err
			}
			l.toks = append(l.toks, token{tokString, s})
		case c == '-' || (c >= '0' && c <= '9'):
			l.toks = append(l.toks, token{tokNumber, l.lexNumber()})
		case isIdentStart(rune(c)):
			l.toks = append(l.toks, token{tokIdent, l.lexIdent()})
		default:
			return nil, errors.Wrapf(ErrParse, "unexpected character %q", c)
		}
	}
	l.toks = append(l.toks, token{tokEOF, ""})
	return l.toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func (l *lexer) lexString() (string, error) {
	l.pos++ // opening quote
	var b strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '\'' {
				b.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		l.pos++
	}
	return "", errors.Wrap(ErrParse, "unterminated string literal")
}

func (l *lexer) lexNumber() string {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && (l.input[l.pos] == '.' || (l.input[l.pos] >= '0' && l.input[l.pos] <= '9')) {
		l.pos++
	}
	return l.input[start:l.pos]
}

func (l *lexer) lexIdent() string {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if !isIdentStart(c) && !unicode.IsDigit(c) {
			break
		}
		l.pos++
	}
	return l.input[start:l.pos]
}

// --- AST ---

type columnDef struct {
	Name string
	Type string
}

// whereClause is the single supported predicate: col = expr or col LIKE expr.
type whereClause struct {
	Col  string
	Like bool
	Val  expr
}

// expr is either a positional placeholder or a literal value.
type expr struct {
	Placeholder bool
	Lit         Value
}

type createTableStmt struct {
	Name        string
	IfNotExists bool
	Cols        []columnDef
	PK          string
}

type createIndexStmt struct {
	Name  string
	Table string
	Col   string
}

type insertStmt struct {
	Table string
	Cols  []string
	Vals  []expr
}

type selectStmt struct {
	Table   string
	Cols    []string // nil means *
	Where   *whereClause
	OrderBy string
	Desc    bool
	Limit   int
	Offset  int
	HasLim  bool
}

type updateStmt struct {
	Table string
	Sets  []struct {
		Col string
		Val expr
	}
	Where *whereClause
}

// deleteStmt carries the documented ORDER BY ... LIMIT extension used by the
// per-key cap enforcement.
type deleteStmt struct {
	Table   string
	Where   *whereClause
	OrderBy string
	Desc    bool
	Limit   int
	HasLim  bool
}

type beginStmt struct{}
type commitStmt struct{}
type rollbackStmt struct{}

type parser struct {
	toks []token
	pos  int
}

func parse(sql string) (any, error) {
	toks, err := lex(sql)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	// trailing semicolon is tolerated, anything else is not
	p.accept(tokPunct, ";")
	if !p.at(tokEOF, "") {
		return nil, errors.Wrapf(ErrParse, "trailing tokens after statement: %q", p.peek().text)
	}
	return stmt, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) at(kind tokenKind, text string) bool {
	t := p.peek()
	if t.kind != kind {
		return false
	}
	return text == "" || strings.EqualFold(t.text, text)
}

func (p *parser) accept(kind tokenKind, text string) bool {
	if p.at(kind, text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) (token, error) {
	if p.at(kind, text) {
		t := p.peek()
		p.pos++
		return t, nil
	}
	return token{}, errors.Wrapf(ErrParse, "expected %q, got %q", text, p.peek().text)
}

func (p *parser) keyword(word string) bool { return p.accept(tokIdent, word) }

func (p *parser) ident() (string, error) {
	if p.peek().kind != tokIdent {
		return "", errors.Wrapf(ErrParse, "expected identifier, got %q", p.peek().text)
	}
	t := p.peek()
	p.pos++
	return t.text, nil
}

func (p *parser) statement() (any, error) {
	switch {
	case p.keyword("CREATE"):
		return p.create()
	case p.keyword("INSERT"):
		return p.insert()
	case p.keyword("SELECT"):
		return p.selectStmt()
	case p.keyword("UPDATE"):
		return p.update()
	case p.keyword("DELETE"):
		return p.delete()
	case p.keyword("BEGIN"):
		return beginStmt{}, nil
	case p.keyword("COMMIT"):
		return commitStmt{}, nil
	case p.keyword("ROLLBACK"):
		return rollbackStmt{}, nil
	}
	return nil, errors.Wrapf(ErrParse, "unsupported statement: %q", p.peek().text)
}

func (p *parser) create() (any, error) {
	if p.keyword("INDEX") {
		return p.createIndex()
	}
	if !p.keyword("TABLE") {
		return nil, errors.Wrap(ErrParse, "expected TABLE or INDEX after CREATE")
	}
	ifNot := false
	if p.keyword("IF") {
		if !p.keyword("NOT") || !p.keyword("EXISTS") {
			return nil, errors.Wrap(ErrParse, "expected IF NOT EXISTS")
		}
		ifNot = true
	}
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokPunct, "("); err != nil {
		return nil, err
	}

	stmt := createTableStmt{Name: name, IfNotExists: ifNot}
	for {
		if p.keyword("PRIMARY") {
			if !p.keyword("KEY") {
				return nil, errors.Wrap(ErrParse, "expected KEY after PRIMARY")
			}
			if _, err := p.expect(tokPunct, "("); err != nil {
				return nil, err
			}
			pk, err := p.ident()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokPunct, ")"); err != nil {
				return nil, err
			}
			stmt.PK = pk
		} else {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			typ, err := p.ident()
			if err != nil {
				return nil, err
			}
			def := columnDef{Name: col, Type: strings.ToUpper(typ)}
			// inline PRIMARY KEY on the column
			if p.keyword("PRIMARY") {
				if !p.keyword("KEY") {
					return nil, errors.Wrap(ErrParse, "expected KEY after PRIMARY")
				}
				stmt.PK = col
			}
			stmt.Cols = append(stmt.Cols, def)
		}
		if p.accept(tokPunct, ",") {
			continue
		}
		break
	}
	if _, err := p.expect(tokPunct, ")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) createIndex() (any, error) {
	p.keyword("IF") // CREATE INDEX IF NOT EXISTS is tolerated
	p.keyword("NOT")
	p.keyword("EXISTS")
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if !p.keyword("ON") {
		return nil, errors.Wrap(ErrParse, "expected ON in CREATE INDEX")
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokPunct, "("); err != nil {
		return nil, err
	}
	col, err := p.ident()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokPunct, ")"); err != nil {
		return nil, err
	}
	return createIndexStmt{Name: name, Table: tbl, Col: col}, nil
}

func (p *parser) insert() (any, error) {
	if !p.keyword("INTO") {
		return nil, errors.Wrap(ErrParse, "expected INTO after INSERT")
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := insertStmt{Table: tbl}
	if _, err := p.expect(tokPunct, "("); err != nil {
		return nil, err
	}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		stmt.Cols = append(stmt.Cols, col)
		if p.accept(tokPunct, ",") {
			continue
		}
		break
	}
	if _, err := p.expect(tokPunct, ")"); err != nil {
		return nil, err
	}
	if !p.keyword("VALUES") {
		return nil, errors.Wrap(ErrParse, "expected VALUES")
	}
	if _, err := p.expect(tokPunct, "("); err != nil {
		return nil, err
	}
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		stmt.Vals = append(stmt.Vals, e)
		if p.accept(tokPunct, ",") {
			continue
		}
		break
	}
	if _, err := p.expect(tokPunct, ")"); err != nil {
		return nil, err
	}
	if len(stmt.Vals) != len(stmt.Cols) {
		return nil, errors.Wrapf(ErrParse, "%d columns but %d values", len(stmt.Cols), len(stmt.Vals))
	}
	return stmt, nil
}

func (p *parser) selectStmt() (any, error) {
	stmt := selectStmt{Limit: -1, Offset: 0}
	if p.accept(tokPunct, "*") {
		stmt.Cols = nil
	} else {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			stmt.Cols = append(stmt.Cols, col)
			if p.accept(tokPunct, ",") {
				continue
			}
			break
		}
	}
	if !p.keyword("FROM") {
		return nil, errors.Wrap(ErrParse, "expected FROM")
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt.Table = tbl

	if stmt.Where, err = p.optWhere(); err != nil {
		return nil, err
	}
	if stmt.OrderBy, stmt.Desc, err = p.optOrderBy(); err != nil {
		return nil, err
	}
	if stmt.Limit, stmt.Offset, stmt.HasLim, err = p.optLimit(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) update() (any, error) {
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	if !p.keyword("SET") {
		return nil, errors.Wrap(ErrParse, "expected SET")
	}
	stmt := updateStmt{Table: tbl}
	for {
		col, err := p.ident()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokPunct, "="); err != nil {
			return nil, err
		}
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		stmt.Sets = append(stmt.Sets, struct {
			Col string
			Val expr
		}{col, e})
		if p.accept(tokPunct, ",") {
			continue
		}
		break
	}
	if stmt.Where, err = p.optWhere(); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) delete() (any, error) {
	if !p.keyword("FROM") {
		return nil, errors.Wrap(ErrParse, "expected FROM after DELETE")
	}
	tbl, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := deleteStmt{Table: tbl, Limit: -1}
	if stmt.Where, err = p.optWhere(); err != nil {
		return nil, err
	}
	if stmt.OrderBy, stmt.Desc, err = p.optOrderBy(); err != nil {
		return nil, err
	}
	limit, _, hasLim, err := p.optLimit()
	if err != nil {
		return nil, err
	}
	stmt.Limit, stmt.HasLim = limit, hasLim
	return stmt, nil
}

func (p *parser) optWhere() (*whereClause, error) {
	if !p.keyword("WHERE") {
		return nil, nil
	}
	col, err := p.ident()
	if err != nil {
		return nil, err
	}
	w := &whereClause{Col: col}
	switch {
	case p.accept(tokPunct, "="):
	case p.keyword("LIKE"):
		w.Like = true
	default:
		return nil, errors.Wrapf(ErrParse, "expected = or LIKE, got %q", p.peek().text)
	}
	e, err := p.expr()
	if err != nil {
		return nil, err
	}
	w.Val = e
	return w, nil
}

func (p *parser) optOrderBy() (string, bool, error) {
	if !p.keyword("ORDER") {
		return "", false, nil
	}
	if !p.keyword("BY") {
		return "", false, errors.Wrap(ErrParse, "expected BY after ORDER")
	}
	col, err := p.ident()
	if err != nil {
		return "", false, err
	}
	if p.keyword("DESC") {
		return col, true, nil
	}
	p.keyword("ASC")
	return col, false, nil
}

func (p *parser) optLimit() (limit, offset int, has bool, err error) {
	limit = -1
	if !p.keyword("LIMIT") {
		return limit, 0, false, nil
	}
	t, err := p.expect(tokNumber, "")
	if err != nil {
		return -1, 0, false, err
	}
	limit, err = strconv.Atoi(t.text)
	if err != nil {
		return -1, 0, false, errors.Wrapf(ErrParse, "bad LIMIT %q", t.text)
	}
	if p.keyword("OFFSET") {
		t, err := p.expect(tokNumber, "")
		if err != nil {
			return -1, 0, false, err
		}
		offset, err = strconv.Atoi(t.text)
		if err != nil {
			return -1, 0, false, errors.Wrapf(ErrParse, "bad OFFSET %q", t.text)
		}
	}
	return limit, offset, true, nil
}

func (p *parser) expr() (expr, error) {
	t := p.peek()
	switch t.kind {
	case tokPlaceholder:
		p.pos++
		return expr{Placeholder: true}, nil
	case tokNumber:
		p.pos++
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return expr{}, errors.Wrapf(ErrParse, "bad number %q", t.text)
			}
			return expr{Lit: Real(f)}, nil
		}
		i, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return expr{}, errors.Wrapf(ErrParse, "bad number %q", t.text)
		}
		return expr{Lit: Int(i)}, nil
	case tokString:
		p.pos++
		return expr{Lit: Text(t.text)}, nil
	case tokIdent:
		if strings.EqualFold(t.text, "NULL") {
			p.pos++
			return expr{Lit: Null()}, nil
		}
	}
	return expr{}, errors.Wrapf(ErrParse, "expected value, got %q", t.text)
}
