package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// listRow is one row of the JSON array returned by GET /list, and also
// the shape of GET /list/updatedMetadata's single object.
type listRow struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Parent      string `json:"parent"`
	IsDir       bool   `json:"is_dir"`
	Size        int64  `json:"size"`
	Mtime       int64  `json:"mtime"`
	Permissions octalMode `json:"permissions"`
	Nlink       *int   `json:"nlink,omitempty"`
	Version     int64  `json:"version"`
}

// nlinkOrDefault treats a missing nlink as 1 for files, 2 for
// directories, per spec's design note on older server versions.
func (r listRow) nlinkOrDefault() uint32 {
	if r.Nlink != nil {
		return uint32(*r.Nlink)
	}
	if r.IsDir {
		return 2
	}
	return 1
}

// octalMode unmarshals the server's octal permission string (e.g.
// "644") into the 9-bit mode word 0o644, never passing the string
// inward. The boundary also tolerates a bare JSON number for servers
// that send one.
type octalMode uint32

func (m *octalMode) UnmarshalJSON(b []byte) error {
	var asNumber uint32
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*m = octalMode(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("octalMode: %w", err)
	}
	v, err := strconv.ParseUint(asString, 8, 32)
	if err != nil {
		return fmt.Errorf("octalMode: parse %q: %w", asString, err)
	}
	*m = octalMode(v)
	return nil
}

// statfsRow is GET /stats's response: every field arrives as a decimal
// string and must be parsed at the boundary, never passed inward as a
// string.
type statfsRow struct {
	Bsize  decimalUint64 `json:"bsize"`
	Blocks decimalUint64 `json:"blocks"`
	Bfree  decimalUint64 `json:"bfree"`
	Bavail decimalUint64 `json:"bavail"`
	Files  decimalUint64 `json:"files"`
	Ffree  decimalUint64 `json:"ffree"`
}

// decimalUint64 unmarshals either a JSON number or a JSON string
// holding a decimal number into a uint64, matching the server's
// string-encoded statfs fields.
type decimalUint64 uint64

func (d *decimalUint64) UnmarshalJSON(b []byte) error {
	var asNumber uint64
	if err := json.Unmarshal(b, &asNumber); err == nil {
		*d = decimalUint64(asNumber)
		return nil
	}
	var asString string
	if err := json.Unmarshal(b, &asString); err != nil {
		return fmt.Errorf("decimalUint64: %w", err)
	}
	v, err := strconv.ParseUint(asString, 10, 64)
	if err != nil {
		return fmt.Errorf("decimalUint64: parse %q: %w", asString, err)
	}
	*d = decimalUint64(v)
	return nil
}

// writeResponse is PUT /files's JSON body.
type writeResponse struct {
	Message string `json:"message"`
	Written int64  `json:"written"`
}
