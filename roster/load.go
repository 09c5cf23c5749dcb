package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/unionhall/allotment-engine/reconcile"
)

// Column aliases accepted in roster CSV headers. The payroll system and
// the older scheduling export disagree on names; both are welcome.
var columnAliases = map[string]string{
	"id":             "id",
	"member_id":      "id",
	"pin":            "pin",
	"employee_id":    "pin",
	"name":           "name",
	"member_name":    "name",
	"division":       "division",
	"district":       "division",
	"seniority_date": "seniority",
	"seniority":      "seniority",
	"hire_date":      "seniority",
}

// LoadCSV parses a roster snapshot. The first record is a header row;
// columns are matched by name, case-insensitively, in any order. A row
// needs a name plus at least one of id or pin (a missing id falls back
// to the pin). Roster files are reference data, so a bad row fails the
// whole load with its line number rather than being skipped.
func LoadCSV(r io.Reader) ([]reconcile.Member, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := map[string]int{}
	for i, h := range headers {
		if canonical, ok := columnAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			index[canonical] = i
		}
	}
	if _, ok := index["name"]; !ok {
		return nil, fmt.Errorf("header has no name column (got %s)", strings.Join(headers, ", "))
	}

	get := func(row []string, key string) string {
		if idx, ok := index[key]; ok && idx < len(row) {
			return strings.TrimSpace(row[idx])
		}
		return ""
	}

	var members []reconcile.Member
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}

		m := reconcile.Member{
			ID:       reconcile.MemberID(get(row, "id")),
			PIN:      get(row, "pin"),
			Name:     get(row, "name"),
			Division: get(row, "division"),
		}
		if m.Name == "" {
			return nil, fmt.Errorf("row %d: missing name", line)
		}
		if m.ID == "" {
			if m.PIN == "" {
				return nil, fmt.Errorf("row %d: missing both id and pin", line)
			}
			m.ID = reconcile.MemberID(m.PIN)
		}
		if raw := get(row, "seniority"); raw != "" {
			d, err := reconcile.ParseDate(raw)
			if err != nil {
				return nil, fmt.Errorf("row %d: seniority date: %w", line, err)
			}
			m.SeniorityDate = d
		}
		members = append(members, m)
	}
	return members, nil
}
