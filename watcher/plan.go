package watcher

import (
	"fmt"
	"slices"
	"strconv"
)

// cyclePlan splits the unseen UIDs of one search into the messages to
// process and those to mark seen without processing.
type cyclePlan struct {
	process []uint32
	stale   []uint32
}

// plan decides which UIDs a cycle handles. Without a marker only the newest
// message is processed; with one, everything above it in ascending order.
func plan(uids []uint32, marker string, hasMarker bool) (cyclePlan, error) {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	if len(sorted) == 0 {
		return cyclePlan{}, nil
	}

	if !hasMarker {
		last := len(sorted) - 1
		return cyclePlan{
			process: sorted[last:],
			stale:   sorted[:last],
		}, nil
	}

	m, err := strconv.ParseUint(marker, 10, 32)
	if err != nil {
		return cyclePlan{}, fmt.Errorf("stored marker %q is not a uid: %w", marker, err)
	}

	var p cyclePlan
	for _, uid := range sorted {
		if uint64(uid) > m {
			p.process = append(p.process, uid)
		} else {
			p.stale = append(p.stale, uid)
		}
	}
	return p, nil
}
