package schema

import (
	"fmt"
	"strings"
)

// GenerateDiff compares an old schema snapshot (nil if this is the first
// deployment) against a new one and returns a single SQL script that
// evolves the old schema into the new one, plus a short human-readable
// description of the change count. Dropped tables are never emitted: a
// table present only in the old schema is left alone.
func GenerateDiff(oldSQL *string, newSQL string, oldLabel, newLabel string) (string, string, error) {
	var oldTables []Table
	if oldSQL != nil {
		parsed, err := ParseSchema(*oldSQL)
		if err != nil {
			return "", "", fmt.Errorf("schema: parsing old schema (%s): %w", oldLabel, err)
		}
		oldTables = parsed
	}
	newTables, err := ParseSchema(newSQL)
	if err != nil {
		return "", "", fmt.Errorf("schema: parsing new schema (%s): %w", newLabel, err)
	}

	oldByName := make(map[string]Table, len(oldTables))
	for _, t := range oldTables {
		oldByName[t.Name] = t
	}

	var out strings.Builder
	newTableCount, alteredTableCount := 0, 0

	for _, nt := range newTables {
		ot, existed := oldByName[nt.Name]
		if !existed {
			out.WriteString(renderCreateTable(nt))
			out.WriteString("\n\n")
			newTableCount++
			continue
		}
		stmt, changed := renderAlterTable(ot, nt)
		if changed {
			out.WriteString(stmt)
			out.WriteString("\n\n")
			alteredTableCount++
		}
	}

	description := fmt.Sprintf("%d new table(s), %d altered table(s) going from %s to %s",
		newTableCount, alteredTableCount, labelOrDefault(oldLabel, "(none)"), newLabel)
	return strings.TrimRight(out.String(), "\n"), description, nil
}

func labelOrDefault(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}

func renderCreateTable(t Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE `%s` (\n", t.Name)

	lines := make([]string, 0, len(t.Columns)+len(t.Indexes))
	for _, c := range t.Columns {
		lines = append(lines, "  "+renderColumnDef(c))
	}
	for _, idx := range t.Indexes {
		lines = append(lines, "  "+renderIndexDef(idx))
	}
	b.WriteString(strings.Join(lines, ",\n"))
	b.WriteString("\n);")
	return b.String()
}

// renderAlterTable emits the ADD COLUMN / ADD [UNIQUE] KEY / MODIFY COLUMN
// clauses needed to bring ot up to nt, one clause per line. Columns and
// indexes present only in ot are left untouched; drops are never generated.
func renderAlterTable(ot, nt Table) (string, bool) {
	var clauses []string

	for _, c := range nt.Columns {
		old, existed := ot.column(c.Name)
		switch {
		case !existed:
			clauses = append(clauses, "ADD COLUMN "+renderColumnDef(c))
		case old.signature() != c.signature():
			clauses = append(clauses, "MODIFY COLUMN "+renderColumnDef(c))
		}
	}
	for _, idx := range nt.Indexes {
		if _, existed := ot.index(idx.Name); !existed {
			clauses = append(clauses, "ADD "+renderIndexDef(idx))
		}
	}

	if len(clauses) == 0 {
		return "", false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "ALTER TABLE `%s`\n", nt.Name)
	for i, clause := range clauses {
		b.WriteString("  " + clause)
		if i < len(clauses)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(";")
	return b.String(), true
}

func renderColumnDef(c Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "`%s` %s", c.Name, c.DataType)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT " + *c.Default)
	}
	if c.AutoIncrement {
		b.WriteString(" AUTO_INCREMENT")
	}
	if c.Comment != "" {
		b.WriteString(" COMMENT '" + c.Comment + "'")
	}
	return b.String()
}

func renderIndexDef(idx Index) string {
	cols := backtickJoin(idx.Columns)
	switch idx.Kind {
	case IndexPrimary:
		return fmt.Sprintf("PRIMARY KEY (%s)", cols)
	case IndexUnique:
		return fmt.Sprintf("UNIQUE KEY `%s` (%s)", idx.Name, cols)
	default:
		return fmt.Sprintf("KEY `%s` (%s)", idx.Name, cols)
	}
}

func backtickJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ", ")
}
