// Package schema parses MySQL CREATE TABLE statements out of an
// initialization script, diffs two schema snapshots into a minimal
// migration, and applies the result against a running database container.
package schema

import (
	"fmt"
	"regexp"
	"strings"
)

// Column is one column of a parsed table definition.
type Column struct {
	Name          string
	DataType      string
	Nullable      bool
	Default       *string
	AutoIncrement bool
	Comment       string
}

// signature renders the column's definition as canonical SQL text so the
// differ can detect a changed column with a single string comparison.
func (c Column) signature() string {
	def := c.DataType
	if !c.Nullable {
		def += " NOT NULL"
	}
	if c.AutoIncrement {
		def += " AUTO_INCREMENT"
	}
	if c.Default != nil {
		def += " DEFAULT " + *c.Default
	}
	if c.Comment != "" {
		def += " COMMENT '" + c.Comment + "'"
	}
	return def
}

// IndexKind classifies a table index.
type IndexKind string

const (
	IndexPrimary IndexKind = "PRIMARY"
	IndexUnique  IndexKind = "UNIQUE"
	IndexPlain   IndexKind = "INDEX"
)

// Index is a PRIMARY KEY, UNIQUE KEY, or plain KEY/INDEX constraint.
type Index struct {
	Name    string
	Kind    IndexKind
	Columns []string
}

func (idx Index) signature() string {
	return string(idx.Kind) + ":" + strings.Join(idx.Columns, ",")
}

// Table is one CREATE TABLE statement's parsed structure.
type Table struct {
	Name    string
	Columns []Column
	Indexes []Index
}

func (t *Table) column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (t *Table) index(name string) (Index, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

var (
	useStatementRe     = regexp.MustCompile(`(?im)^\s*USE\s+[^;]+;\s*$`)
	createTableStartRe = regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\b`)
	tableNameRe        = regexp.MustCompile("(?is)CREATE\\s+TABLE\\s+(?:IF\\s+NOT\\s+EXISTS\\s+)?`?([A-Za-z0-9_]+)`?")
)

// ParseSchema extracts every CREATE TABLE statement from sqlText, in source
// order. Content before a `USE ...;` statement is ignored; if no USE
// statement is present the whole input is parsed.
func ParseSchema(sqlText string) ([]Table, error) {
	statements := extractCreateTableStatements(sqlText)
	tables := make([]Table, 0, len(statements))
	for _, stmt := range statements {
		t, err := parseCreateTable(stmt)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// extractCreateTableStatements finds the content after the first top-level
// USE statement (or the whole input, if none), then scans it character by
// character tracking paren depth and quote state to recover each complete
// CREATE TABLE statement, including ones whose column or default values
// contain parentheses, commas, or escaped quotes.
func extractCreateTableStatements(sqlText string) []string {
	content := sqlText
	if loc := useStatementRe.FindStringIndex(sqlText); loc != nil {
		content = sqlText[loc[1]:]
	}

	var statements []string
	lines := strings.Split(content, "\n")

	var current strings.Builder
	inStatement := false
	parenDepth := 0
	inString := false
	var quoteChar byte
	escapeNext := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inStatement {
			if trimmed == "" || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "/*") {
				continue
			}
			if !createTableStartRe.MatchString(line) {
				continue
			}
			inStatement = true
		}

		current.WriteString(line)
		current.WriteByte('\n')

		for i := 0; i < len(line); i++ {
			c := line[i]
			if escapeNext {
				escapeNext = false
				continue
			}
			if inString {
				switch c {
				case '\\':
					escapeNext = true
				case quoteChar:
					inString = false
				}
				continue
			}
			switch c {
			case '\'', '"', '`':
				inString = true
				quoteChar = c
			case '(':
				parenDepth++
			case ')':
				parenDepth--
			case ';':
				if parenDepth <= 0 {
					statements = append(statements, current.String())
					current.Reset()
					inStatement = false
				}
			}
		}
	}
	if inStatement && strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}
	return statements
}

func parseCreateTable(stmt string) (Table, error) {
	nameMatch := tableNameRe.FindStringSubmatch(stmt)
	if nameMatch == nil {
		return Table{}, fmt.Errorf("schema: could not find table name in statement: %.60s", stmt)
	}
	table := Table{Name: nameMatch[1]}

	body, err := outerParenBody(stmt)
	if err != nil {
		return Table{}, fmt.Errorf("schema: table %s: %w", table.Name, err)
	}

	for _, def := range splitTopLevel(body) {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		upper := strings.ToUpper(def)
		switch {
		case strings.HasPrefix(upper, "CONSTRAINT") && strings.Contains(upper, "FOREIGN KEY"):
			continue
		case strings.HasPrefix(upper, "PRIMARY KEY"):
			table.Indexes = append(table.Indexes, parsePrimaryKey(def))
		case strings.HasPrefix(upper, "UNIQUE"):
			table.Indexes = append(table.Indexes, parseUniqueOrKey(def, IndexUnique))
		case strings.HasPrefix(upper, "KEY") || strings.HasPrefix(upper, "INDEX"):
			table.Indexes = append(table.Indexes, parseUniqueOrKey(def, IndexPlain))
		default:
			col, inlinePK := parseColumnDefinition(def)
			table.Columns = append(table.Columns, col)
			if inlinePK {
				table.Indexes = append(table.Indexes, Index{Name: "PRIMARY", Kind: IndexPrimary, Columns: []string{col.Name}})
			}
		}
	}
	return table, nil
}

// outerParenBody returns the text between the first '(' and its matching
// ')' in stmt, honoring quoted strings the same way extractCreateTableStatements
// does.
func outerParenBody(stmt string) (string, error) {
	start := strings.IndexByte(stmt, '(')
	if start < 0 {
		return "", fmt.Errorf("no column list found")
	}
	depth := 0
	inString := false
	var quoteChar byte
	escapeNext := false
	for i := start; i < len(stmt); i++ {
		c := stmt[i]
		if escapeNext {
			escapeNext = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escapeNext = true
			case quoteChar:
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = true
			quoteChar = c
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return stmt[start+1 : i], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced parentheses in column list")
}

// splitTopLevel splits body on commas that are not inside nested
// parentheses or quoted strings, so `DECIMAL(10,2)` and `ENUM('a,b')`
// survive as single fields.
func splitTopLevel(body string) []string {
	var fields []string
	var current strings.Builder
	depth := 0
	inString := false
	var quoteChar byte
	escapeNext := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		if escapeNext {
			current.WriteByte(c)
			escapeNext = false
			continue
		}
		if inString {
			current.WriteByte(c)
			switch c {
			case '\\':
				escapeNext = true
			case quoteChar:
				inString = false
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = true
			quoteChar = c
			current.WriteByte(c)
		case '(':
			depth++
			current.WriteByte(c)
		case ')':
			depth--
			current.WriteByte(c)
		case ',':
			if depth == 0 {
				fields = append(fields, current.String())
				current.Reset()
				continue
			}
			current.WriteByte(c)
		default:
			current.WriteByte(c)
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		fields = append(fields, current.String())
	}
	return fields
}

var (
	columnNameRe    = regexp.MustCompile("(?s)^`?([A-Za-z0-9_]+)`?\\s+(.*)$")
	commentRe       = regexp.MustCompile(`(?is)\bCOMMENT\s+'((?:[^'\\]|\\.)*)'`)
	defaultRe       = regexp.MustCompile(`(?is)\bDEFAULT\s+('(?:[^'\\]|\\.)*'|\S+)`)
	autoIncrementRe = regexp.MustCompile(`(?i)\bAUTO_INCREMENT\b`)
	notNullRe       = regexp.MustCompile(`(?i)\bNOT\s+NULL\b`)
	columnPrimaryRe = regexp.MustCompile(`(?i)\bPRIMARY\s+KEY\b`)
	standaloneNull  = regexp.MustCompile(`(?i)(^|\s)NULL(\s|$)`)
)

// parseColumnDefinition parses one comma-separated field of a CREATE TABLE
// column list into a Column plus whether it carries an inline PRIMARY KEY.
func parseColumnDefinition(def string) (Column, bool) {
	working := def
	col := Column{Nullable: true}

	if m := commentRe.FindStringSubmatch(working); m != nil {
		col.Comment = unescapeQuoted(m[1])
		working = commentRe.ReplaceAllString(working, "")
	}
	if m := defaultRe.FindStringSubmatch(working); m != nil {
		value := m[1]
		col.Default = &value
		working = defaultRe.ReplaceAllString(working, "")
	}
	if autoIncrementRe.MatchString(working) {
		col.AutoIncrement = true
		working = autoIncrementRe.ReplaceAllString(working, "")
	}
	isPrimary := columnPrimaryRe.MatchString(working)
	working = columnPrimaryRe.ReplaceAllString(working, "")
	if notNullRe.MatchString(working) {
		col.Nullable = false
		working = notNullRe.ReplaceAllString(working, "")
	} else if standaloneNull.MatchString(working) {
		col.Nullable = true
		working = standaloneNull.ReplaceAllString(working, " ")
	}
	working = strings.Join(strings.Fields(working), " ")

	if m := columnNameRe.FindStringSubmatch(working); m != nil {
		col.Name = m[1]
		col.DataType = strings.TrimSpace(m[2])
	} else {
		col.Name = working
	}
	return col, isPrimary
}

var backtickColumnRe = regexp.MustCompile("`([A-Za-z0-9_]+)`")

func parsePrimaryKey(def string) Index {
	cols := extractColumnList(def)
	return Index{Name: "PRIMARY", Kind: IndexPrimary, Columns: cols}
}

var namedIndexRe = regexp.MustCompile("(?i)^(?:UNIQUE|KEY|INDEX)\\s+(?:KEY\\s+)?`?([A-Za-z0-9_]+)`?\\s*\\(")

func parseUniqueOrKey(def string, kind IndexKind) Index {
	cols := extractColumnList(def)
	name := ""
	if m := namedIndexRe.FindStringSubmatch(def); m != nil {
		name = m[1]
	}
	if name == "" {
		prefix := "idx_"
		if kind == IndexUnique {
			prefix = "unique_"
		}
		name = prefix + strings.Join(cols, "_")
	}
	return Index{Name: name, Kind: kind, Columns: cols}
}

func extractColumnList(def string) []string {
	open := strings.IndexByte(def, '(')
	if open < 0 {
		return nil
	}
	closeIdx := strings.LastIndexByte(def, ')')
	if closeIdx < open {
		return nil
	}
	matches := backtickColumnRe.FindAllStringSubmatch(def[open:closeIdx], -1)
	cols := make([]string, 0, len(matches))
	for _, m := range matches {
		cols = append(cols, m[1])
	}
	return cols
}

func unescapeQuoted(s string) string {
	return strings.ReplaceAll(s, `\'`, `'`)
}
