package entrylog

import (
	"fmt"
)

// Fork creates a new session log at destPath containing every entry from
// root to atEntryID copied by reference (identical ids), with its leaf set
// to atEntryID. The source log is never mutated. This satisfies the
// round-trip law: fork(e) followed by reading the new session's branch
// returns exactly the prefix of the source branch up to e.
func (l *Log) Fork(atEntryID, destPath string) (*Log, error) {
	prefix, err := l.Branch(atEntryID)
	if err != nil {
		return nil, fmt.Errorf("entrylog: fork: %w", err)
	}

	dest, err := Open(destPath)
	if err != nil {
		return nil, fmt.Errorf("entrylog: fork: open destination: %w", err)
	}

	if len(dest.order) > 0 {
		return nil, fmt.Errorf("entrylog: fork: destination %s already has entries", destPath)
	}

	for _, e := range prefix {
		if _, err := dest.Append(e.clone()); err != nil {
			return nil, fmt.Errorf("entrylog: fork: copy entry %s: %w", e.ID, err)
		}
	}
	if err := dest.SetLeaf(atEntryID); err != nil {
		return nil, fmt.Errorf("entrylog: fork: set leaf: %w", err)
	}
	return dest, nil
}
