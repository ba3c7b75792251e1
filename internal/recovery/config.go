// Copyright 2021 - 2025 Crunchy Data Solutions, Inc.
//
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"bufio"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Location is where a segment is, as written in a recovery configuration file.
type Location struct {
	Hostname      string
	Address       string
	Port          int
	DataDirectory string
}

// Row is one line of a recovery configuration file.
type Row struct {
	Line int

	// Failed describes a segment in the catalog. Its Hostname must match
	// only when HostnameCheckRequired is true.
	Failed                Location
	HostnameCheckRequired bool

	// Failover, when set, is where Failed is rebuilt.
	Failover *Location
	Type     Type
}

var recoveryTypes = map[string]Type{
	"I": Incremental, "i": Incremental,
	"D": Differential, "d": Differential,
	"F": Full, "f": Full,
}

var validName = regexp.MustCompile(`^[-\w.:%]+$`)

// ParseConfigFile reads the recovery configuration file at name from fs.
func ParseConfigFile(fs afero.Fs, name string) ([]Row, error) {
	file, err := fs.Open(name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer file.Close()

	return ParseConfig(file, name)
}

// ParseConfig reads a recovery configuration from r. Each line names a
// failed segment in 3 to 5 pipe-delimited parts, optionally followed by a
// space and the 3 or 4 parts of where to rebuild it:
//
//	[type|][hostname|]address|port|directory [[hostname|]address|port|directory]
//
// Blank lines and those starting with "#" are ignored. The name is used in
// error messages.
func ParseConfig(r io.Reader, name string) ([]Row, error) {
	var rows []Row
	scanner := bufio.NewScanner(r)

	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		row, err := parseRow(text, line, name)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := validateRows(rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func parseRow(text string, line int, name string) (Row, error) {
	row := Row{Line: line, Type: Incremental}

	groups := strings.Fields(text)
	if len(groups) != 1 && len(groups) != 2 {
		return row, validationErrorf("line %d of file %s: expected 1 or 2 groups but found %d",
			line, name, len(groups))
	}

	parts := strings.Split(groups[0], "|")
	if len(parts) < 3 || len(parts) > 5 {
		return row, validationErrorf("line %d of file %s: expected 3, 4 or 5 parts on failed segment group, obtained %d",
			line, name, len(parts))
	}

	failed := parts[len(parts)-3:]
	row.Failed.Hostname = failed[0]

	switch len(parts) {
	case 5:
		t, ok := recoveryTypes[parts[0]]
		if !ok {
			return row, validationErrorf("Invalid recovery type provided, please provide any of I,D,F,i,d,f as recovery_type")
		}
		row.Type = t
		row.Failed.Hostname = parts[1]
		row.HostnameCheckRequired = true
	case 4:
		if t, ok := recoveryTypes[parts[0]]; ok {
			row.Type = t
		} else {
			row.Failed.Hostname = parts[0]
			row.HostnameCheckRequired = true
		}
	}

	var err error
	row.Failed, err = parseLocation(row.Failed.Hostname, failed, line, name)
	if err != nil {
		return row, err
	}

	if len(groups) == 2 {
		parts2 := strings.Split(groups[1], "|")
		if (len(parts2) != 3 && len(parts2) != 4) || len(parts) != len(parts2) {
			return row, validationErrorf("line %d of file %s: expected equal parts, either 3 or 4 on both segment group, "+
				"obtained %d on group1 and %d on group2", line, name, len(parts), len(parts2))
		}

		hostname := parts2[0]
		if len(parts2) == 4 {
			hostname, parts2 = parts2[0], parts2[1:]
		}

		failover, err := parseLocation(hostname, parts2, line, name)
		if err != nil {
			return row, err
		}
		row.Failover = &failover
		row.Type = Full
	}
	return row, nil
}

// parseLocation checks the address, port, and directory in parts.
func parseLocation(hostname string, parts []string, line int, name string) (Location, error) {
	// Addresses in brackets are IPv6.
	address := parts[0]
	if strings.HasPrefix(address, "[") && strings.HasSuffix(address, "]") {
		address = address[1 : len(address)-1]
	}
	if hostname == parts[0] {
		hostname = address
	}

	if !validName.MatchString(address) {
		return Location{}, validationErrorf("Invalid address on line %d", line)
	}
	if !validName.MatchString(hostname) {
		return Location{}, validationErrorf("Invalid hostname on line %d", line)
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return Location{}, validationErrorf("Invalid port on line %d", line)
	}

	directory := parts[2]
	if directory == "" {
		return Location{}, validationErrorf("Invalid directory on line %d", line)
	}
	if !path.IsAbs(directory) {
		return Location{}, validationErrorf("Path entered is invalid; it must be a full path.  Path: '%s' (line %d of file %s)",
			directory, line, name)
	}

	return Location{
		Hostname:      hostname,
		Address:       address,
		Port:          port,
		DataDirectory: path.Clean(directory),
	}, nil
}

// validateRows checks that no segment is recovered twice and that nothing
// is recovered onto a segment that is also being recovered.
func validateRows(rows []Row) error {
	type key struct{ address, directory string }
	failed := map[key]int{}
	targets := map[key]int{}

	for _, row := range rows {
		k := key{row.Failed.Address, row.Failed.DataDirectory}

		if first, ok := failed[k]; ok {
			return validationErrorf("config file lines %d and %d conflict: "+
				"Cannot recover the same failed segment %s and data directory %s twice.",
				first, row.Line, k.address, k.directory)
		}
		failed[k] = row.Line

		if row.Failover == nil {
			if first, ok := targets[k]; ok {
				return validationErrorf("config file lines %d and %d conflict: "+
					"Cannot recover segment %s with data directory %s in place if it is used as a recovery segment.",
					first, row.Line, k.address, k.directory)
			}
			continue
		}

		t := key{row.Failover.Address, row.Failover.DataDirectory}
		if first, ok := targets[t]; ok {
			return validationErrorf("config file lines %d and %d conflict: "+
				"Cannot recover to the same segment %s and data directory %s twice.",
				first, row.Line, t.address, t.directory)
		}
		targets[t] = row.Line
	}
	return nil
}
