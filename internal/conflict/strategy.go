package conflict

import (
	"maps"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/device"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
)

// Side identifies where a resolved value came from.
type Side string

// Sides.
const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
	SideMerged Side = "merged"
)

// StrategyFor returns the strategy for field: the per-field override from
// the integration settings, then override, then the integration default.
func StrategyFor(in *integration.Integration, override integration.Strategy, field string) integration.Strategy {
	if s, ok := in.FieldStrategies()[field]; ok && ValidStrategy(s) {
		return s
	}
	if override != "" && override != integration.StrategyMerge && ValidStrategy(override) {
		return override
	}
	if ValidStrategy(in.ConflictStrategy) && in.ConflictStrategy != integration.StrategyMerge {
		return in.ConflictStrategy
	}
	return integration.StrategyNewestWins
}

// resolve picks the winning value under strategy. A manual strategy
// returns an empty side: the conflict stays pending.
func resolve(strategy integration.Strategy, local, remote any, localAt, remoteAt time.Time) (Side, any) {
	switch strategy {
	case integration.StrategyLocalWins:
		return SideLocal, local
	case integration.StrategyRemoteWins:
		return SideRemote, remote
	case integration.StrategyNewestWins:
		if remoteAt.After(localAt) {
			return SideRemote, remote
		}
		return SideLocal, local
	case integration.StrategyMerge:
		return merge(local, remote)
	default:
		return "", nil
	}
}

// merge unions lists and shallow-merges objects with remote keys taking
// precedence. Scalars cannot be merged and take the remote value.
func merge(local, remote any) (Side, any) {
	switch l := local.(type) {
	case []string:
		r, ok := remote.([]string)
		if !ok {
			break
		}
		return SideMerged, tagSet(append(append([]string(nil), l...), r...))
	case map[string]any:
		r, ok := remote.(map[string]any)
		if !ok {
			break
		}
		out := make(map[string]any, len(l)+len(r))
		maps.Copy(out, l)
		maps.Copy(out, r)
		return SideMerged, out
	}
	return SideRemote, remote
}

// localChangedAt is the local modification time used by newest_wins.
func localChangedAt(d *device.Device) time.Time {
	if d.DeletedAt != nil && d.DeletedAt.After(d.UpdatedAt) {
		return d.DeletedAt.UTC()
	}
	return d.UpdatedAt.UTC()
}
