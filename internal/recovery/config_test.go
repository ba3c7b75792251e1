// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func parse(t *testing.T, lines ...string) ([]Row, error) {
	t.Helper()
	return ParseConfig(strings.NewReader(strings.Join(lines, "\n")), "recover.conf")
}

func TestParseConfig(t *testing.T) {
	t.Run("Relocate", func(t *testing.T) {
		rows, err := parse(t, "sdw2|21000|/mirror/gpseg0 sdw3|41000|/mirror/gpseg5_new")
		assert.NilError(t, err)
		assert.DeepEqual(t, rows, []Row{{
			Line:     1,
			Failed:   Location{Hostname: "sdw2", Address: "sdw2", Port: 21000, DataDirectory: "/mirror/gpseg0"},
			Failover: &Location{Hostname: "sdw3", Address: "sdw3", Port: 41000, DataDirectory: "/mirror/gpseg5_new"},
			Type:     Full,
		}})
	})

	t.Run("Forms", func(t *testing.T) {
		rows, err := parse(t,
			"# comment",
			"",
			"  sdw1|20000|/mirror/gpseg0  ",
			"D|sdw1|20001|/mirror/gpseg1",
			"f|host1|sdw1|20002|/mirror/gpseg2/",
			"host1|sdw1|20003|/mirror//gpseg3",
			"i|[fe80::1]|20004|/mirror/gpseg4",
			"h1|a1|20005|/mirror/gpseg5 h2|a2|20006|/mirror/gpseg6",
		)
		assert.NilError(t, err)
		assert.Equal(t, len(rows), 6)

		assert.Equal(t, rows[0].Line, 3)
		assert.Equal(t, rows[0].Type, Incremental)
		assert.Assert(t, !rows[0].HostnameCheckRequired)

		assert.Equal(t, rows[1].Type, Differential)
		assert.Assert(t, !rows[1].HostnameCheckRequired)

		assert.Equal(t, rows[2].Type, Full)
		assert.Assert(t, rows[2].HostnameCheckRequired)
		assert.DeepEqual(t, rows[2].Failed,
			Location{Hostname: "host1", Address: "sdw1", Port: 20002, DataDirectory: "/mirror/gpseg2"})

		assert.Equal(t, rows[3].Type, Incremental)
		assert.Assert(t, rows[3].HostnameCheckRequired)
		assert.Equal(t, rows[3].Failed.DataDirectory, "/mirror/gpseg3")

		assert.Equal(t, rows[4].Failed.Address, "fe80::1")
		assert.Equal(t, rows[4].Failed.Hostname, "fe80::1")

		assert.Equal(t, rows[5].Type, Full)
		assert.DeepEqual(t, rows[5].Failover,
			&Location{Hostname: "h2", Address: "a2", Port: 20006, DataDirectory: "/mirror/gpseg6"})
	})

	t.Run("Duplicate", func(t *testing.T) {
		_, err := parse(t,
			"sdw1|20000|/mirror/gpseg0",
			"# again",
			"sdw1|20000|/mirror/gpseg0",
		)
		assert.Error(t, err, "config file lines 1 and 3 conflict: "+
			"Cannot recover the same failed segment sdw1 and data directory /mirror/gpseg0 twice.")
		assert.Assert(t, IsValidationError(err))
	})

	t.Run("Conflicts", func(t *testing.T) {
		_, err := parse(t,
			"sdw1|20000|/a sdw3|30000|/b",
			"sdw3|30000|/b",
		)
		assert.Error(t, err, "config file lines 1 and 2 conflict: "+
			"Cannot recover segment sdw3 with data directory /b in place if it is used as a recovery segment.")

		_, err = parse(t,
			"sdw1|20000|/a sdw3|30000|/b",
			"sdw2|20000|/c sdw3|30001|/b",
		)
		assert.Error(t, err, "config file lines 1 and 2 conflict: "+
			"Cannot recover to the same segment sdw3 and data directory /b twice.")
	})

	for _, tt := range []struct{ line, message string }{
		{"a b c", "line 1 of file recover.conf: expected 1 or 2 groups but found 3"},
		{"sdw1|20000", "line 1 of file recover.conf: expected 3, 4 or 5 parts on failed segment group, obtained 2"},
		{"a|b|c|d|e|f", "line 1 of file recover.conf: expected 3, 4 or 5 parts on failed segment group, obtained 6"},
		{"X|h|sdw1|20000|/d", "Invalid recovery type provided, please provide any of I,D,F,i,d,f as recovery_type"},
		{"sdw1!|20000|/d", "Invalid address on line 1"},
		{"bad!host|sdw1|20000|/d", "Invalid hostname on line 1"},
		{"sdw1|port|/d", "Invalid port on line 1"},
		{"sdw1|0|/d", "Invalid port on line 1"},
		{"sdw1|65536|/d", "Invalid port on line 1"},
		{"sdw1|20000|", "Invalid directory on line 1"},
		{"sdw1|20000|relative", "Path entered is invalid; it must be a full path.  Path: 'relative' (line 1 of file recover.conf)"},
		{"sdw1|20000|/d sdw3|30000", "line 1 of file recover.conf: expected equal parts, " +
			"either 3 or 4 on both segment group, obtained 3 on group1 and 2 on group2"},
		{"h|sdw1|20000|/d sdw3|30000|/d", "line 1 of file recover.conf: expected equal parts, " +
			"either 3 or 4 on both segment group, obtained 4 on group1 and 3 on group2"},
		{"sdw1|20000|/d sdw3|30000|d", "Path entered is invalid; it must be a full path.  Path: 'd' (line 1 of file recover.conf)"},
	} {
		t.Run(tt.line, func(t *testing.T) {
			_, err := parse(t, tt.line)
			assert.Error(t, err, tt.message)
			assert.Assert(t, IsValidationError(err))
		})
	}
}

func TestParseConfigFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/tmp/recover.conf",
		[]byte("sdw1|20000|/mirror/gpseg0\n"), 0o600))

	rows, err := ParseConfigFile(fs, "/tmp/recover.conf")
	assert.NilError(t, err)
	assert.Equal(t, len(rows), 1)

	_, err = ParseConfigFile(fs, "/tmp/missing.conf")
	assert.ErrorContains(t, err, "missing.conf")
	assert.Assert(t, !IsValidationError(err))
}
