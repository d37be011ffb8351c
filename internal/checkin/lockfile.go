package checkin

import (
	"encoding/json"
	"fmt"
)

// lockfileDoc is the on-disk form of the root lockfile: a pinned mapping
// from import reference to resolved ID. JSON keys marshal sorted, so the
// rendered bytes are deterministic.
type lockfileDoc struct {
	Version      int               `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

const lockfileVersion = 1

func parseLockfile(raw []byte) (map[string]string, error) {
	var doc lockfileDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Version != lockfileVersion {
		return nil, fmt.Errorf("unsupported lockfile version %d", doc.Version)
	}
	return doc.Dependencies, nil
}

func renderLockfile(pins map[string]string) []byte {
	doc := lockfileDoc{Version: lockfileVersion, Dependencies: pins}
	raw, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		// A map[string]string cannot fail to marshal.
		panic(err)
	}
	return append(raw, '\n')
}
