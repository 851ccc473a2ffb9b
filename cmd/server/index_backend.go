package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"rollback.dev/internal/persistence/indexdb"
	"rollback.dev/internal/persistence/snapshot"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/tuning"
)

type runtimeIndex interface {
	rollback.RequestLogger
	Close() error
	UpsertTuning(tune tuning.Tuning) error
	RecordDump(path string, d snapshot.DumpV1)
	Stats() indexdb.Stats
}

func openRuntimeIndex(dataDir, backend string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "none", "off", "disabled":
		return nil, nil
	case "", "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(dataDir, "index", "requests.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unknown index backend %q", backend)
	}
}
