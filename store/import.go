package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ExportVersion is written into every export.
const ExportVersion = 1

// Export is the JSON document produced by Export and accepted by Import.
type Export struct {
	Version int      `json:"version"`
	Table   string   `json:"table"`
	Records []Record `json:"records"`
}

// ImportParseError reports externally supplied data that cannot be
// imported. Message is fit to show the user.
type ImportParseError struct {
	Message string
	Err     error
}

func (e *ImportParseError) Error() string {
	if e.Err != nil {
		return "import: " + e.Message + ": " + e.Err.Error()
	}
	return "import: " + e.Message
}

func (e *ImportParseError) Unwrap() error { return e.Err }

func parseErr(err error, format string, args ...any) *ImportParseError {
	return &ImportParseError{Message: fmt.Sprintf(format, args...), Err: err}
}

// ParseImport validates data for table. It accepts an Export document
// or a bare array of records. Every record needs a unique string id.
// Nothing is returned unless the whole input is valid.
func ParseImport(table string, data []byte) ([]Record, error) {
	if err := CheckTable(table); err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, parseErr(nil, "file is empty")
	}

	var recs []Record
	if data[0] == '[' {
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, parseErr(err, "file is not valid JSON")
		}
	} else {
		var doc Export
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, parseErr(err, "file is not a valid export")
		}
		if doc.Version != ExportVersion {
			return nil, parseErr(nil, "unsupported export version %d", doc.Version)
		}
		if doc.Table != "" && doc.Table != table {
			return nil, parseErr(nil, "export is for %q, not %q", doc.Table, table)
		}
		recs = doc.Records
	}

	seen := make(map[string]bool, len(recs))
	for i, r := range recs {
		if r == nil {
			return nil, parseErr(nil, "record %d is not an object", i+1)
		}
		id, ok := r["id"].(string)
		if !ok || strings.TrimSpace(id) == "" {
			return nil, parseErr(nil, "record %d has no id", i+1)
		}
		if seen[id] {
			return nil, parseErr(nil, "record id %q appears twice", id)
		}
		seen[id] = true
	}
	return recs, nil
}

// encodeExport writes recs sorted by id.
func encodeExport(table string, recs []Record) ([]byte, error) {
	slices.SortFunc(recs, func(a, b Record) int {
		return strings.Compare(fmt.Sprint(a["id"]), fmt.Sprint(b["id"]))
	})
	if recs == nil {
		recs = []Record{}
	}
	return json.MarshalIndent(Export{Version: ExportVersion, Table: table, Records: recs}, "", "  ")
}
