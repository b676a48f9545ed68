package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseImport(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		data    string
		want    int
		message string
	}{
		{name: "bare array", table: TableNPCs, data: `[{"id":"n1"},{"id":"n2"}]`, want: 2},
		{name: "export document", table: TableNPCs, data: `{"version":1,"table":"npcs","records":[{"id":"n1"}]}`, want: 1},
		{name: "empty array", table: TableNPCs, data: ` [] `, want: 0},
		{name: "empty input", table: TableNPCs, data: "  ", message: "file is empty"},
		{name: "not json", table: TableNPCs, data: `[{"id":`, message: "file is not valid JSON"},
		{name: "unknown envelope field", table: TableNPCs, data: `{"version":1,"rows":[]}`, message: "file is not a valid export"},
		{name: "wrong version", table: TableNPCs, data: `{"version":2,"records":[]}`, message: "unsupported export version 2"},
		{name: "wrong table", table: TableNPCs, data: `{"version":1,"table":"clues","records":[]}`, message: `export is for "clues", not "npcs"`},
		{name: "missing id", table: TableNPCs, data: `[{"name":"x"}]`, message: "record 1 has no id"},
		{name: "numeric id", table: TableNPCs, data: `[{"id":"a"},{"id":7}]`, message: "record 2 has no id"},
		{name: "null record", table: TableNPCs, data: `[null]`, message: "record 1 is not an object"},
		{name: "duplicate id", table: TableNPCs, data: `[{"id":"a"},{"id":"a"}]`, message: `record id "a" appears twice`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ParseImport(tt.table, []byte(tt.data))
			if tt.message == "" {
				require.NoError(t, err)
				assert.Len(t, recs, tt.want)
				return
			}
			var perr *ImportParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.message, perr.Message)
			assert.Nil(t, recs)
		})
	}
}

func TestParseImportUnknownTable(t *testing.T) {
	_, err := ParseImport("users", []byte(`[]`))
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestImportParseErrorUnwraps(t *testing.T) {
	_, err := ParseImport(TableScripts, []byte(`{`))
	var perr *ImportParseError
	require.ErrorAs(t, err, &perr)
	assert.NotNil(t, perr.Unwrap())
	assert.Contains(t, err.Error(), "import: file is not a valid export")
}
