package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CurrentVersion is written in the first line of the registry file.
const CurrentVersion = 2

// Registration is one registered enlistment. Field names are the on-disk
// and wire contract.
type Registration struct {
	EnlistmentRoot string `json:"EnlistmentRoot"`
	OwnerSID       string `json:"OwnerSID"`
	IsActive       bool   `json:"IsActive"`
}

// encode renders registrations in file form: a "<version> <count>" header
// followed by one JSON record per line.
func encode(regs []Registration) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d %d\n", CurrentVersion, len(regs))
	for _, r := range regs {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// decode parses the file form. A header holding only a version is accepted
// from older writers; in that case the record count is not checked.
func decode(data []byte) ([]Registration, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		// Empty file: nothing registered yet.
		return nil, nil
	}

	fields := strings.Fields(sc.Text())
	if len(fields) == 0 || len(fields) > 2 {
		return nil, fmt.Errorf("malformed header %q", sc.Text())
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil || version < 1 || version > CurrentVersion {
		return nil, fmt.Errorf("unsupported registry version %q", fields[0])
	}
	expected := -1
	if len(fields) == 2 {
		expected, err = strconv.Atoi(fields[1])
		if err != nil || expected < 0 {
			return nil, fmt.Errorf("malformed record count %q", fields[1])
		}
	}

	var regs []Registration
	index := make(map[string]int)
	records := 0
	lineNo := 1
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r Registration
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if r.EnlistmentRoot == "" {
			return nil, fmt.Errorf("line %d: missing EnlistmentRoot", lineNo)
		}
		records++
		if expected >= 0 && records > expected {
			return nil, fmt.Errorf("more records than the header count %d", expected)
		}
		// A repeated root replaces the earlier record in place.
		if i, ok := index[r.EnlistmentRoot]; ok {
			regs[i] = r
			continue
		}
		index[r.EnlistmentRoot] = len(regs)
		regs = append(regs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if expected >= 0 && records != expected {
		return nil, fmt.Errorf("header count %d does not match %d records", expected, records)
	}
	return regs, nil
}
