// Copyright 2026 The Carapace Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ReadRecords reads every well-formed JSON-line record from the audit log
// at path, in file order (oldest first). Malformed lines are skipped
// rather than aborting the read, matching the reference debug tool's
// tolerance for a log file being actively appended to.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan %s: %w", path, err)
	}
	return records, nil
}

// ExportCBOR writes records to w as a single CBOR-encoded array, giving
// carapace-debug a compact binary snapshot format alongside the default
// JSON-lines log, per the specification's audit export operation.
func ExportCBOR(w io.Writer, records []Record) error {
	enc := cbor.NewEncoder(w)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("audit: cbor encode: %w", err)
	}
	return nil
}
