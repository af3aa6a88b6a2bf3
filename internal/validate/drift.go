package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/koba/db-sandbox/internal/schema"
)

// driftBetween compares the schema captured when a change was staged with
// the live schema and describes every divergence that would make the staged
// values unsafe to apply: column set, data type (case-insensitive),
// nullability and the primary key column set.
func driftBetween(snapshot, live *schema.TableSchema) []string {
	var drift []string

	snapCols := make(map[string]*schema.Column)
	for i := range snapshot.Columns {
		snapCols[snapshot.Columns[i].Name] = &snapshot.Columns[i]
	}

	liveCols := make(map[string]*schema.Column)
	for i := range live.Columns {
		liveCols[live.Columns[i].Name] = &live.Columns[i]
	}

	names := make([]string, 0, len(snapCols)+len(liveCols))
	for name := range snapCols {
		names = append(names, name)
	}
	for name := range liveCols {
		if _, ok := snapCols[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		snapCol, inSnap := snapCols[name]
		liveCol, inLive := liveCols[name]

		switch {
		case !inLive:
			drift = append(drift, fmt.Sprintf("column %q no longer exists", name))
		case !inSnap:
			drift = append(drift, fmt.Sprintf("column %q was added", name))
		default:
			if !strings.EqualFold(snapCol.Type, liveCol.Type) {
				drift = append(drift, fmt.Sprintf("column %q changed type from %s to %s", name, snapCol.Type, liveCol.Type))
			}
			if snapCol.Nullable != liveCol.Nullable {
				drift = append(drift, fmt.Sprintf("column %q changed nullability", name))
			}
		}
	}

	if !sameKeyColumns(snapshot.PrimaryKeyColumns(), live.PrimaryKeyColumns()) {
		drift = append(drift, "primary key columns changed")
	}

	return drift
}

func sameKeyColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
