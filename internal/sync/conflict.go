package sync

import (
	"github.com/pulseboard/feedsync/internal/models"
	"github.com/pulseboard/feedsync/pkg/api"
)

// Resolution is the outcome of conflict resolution. When Apply is
// true, Merged holds the record to persist (UpdatedAt not yet
// stamped). When Apply is false, Code carries the error code to report
// for the rejected operation.
type Resolution struct {
	Merged *models.Feedback
	Code   string
	Apply  bool
}

// Resolve decides what to do with a stale client update against the
// current server record. The server record is never mutated.
//
//   - client-wins: apply; client payload keys replace server fields.
//   - server-wins: reject with CONFLICT, server state untouched.
//   - merge: apply; client payload keys overwrite, remaining server
//     fields are preserved. With typed fields this is the same write
//     as client-wins, the strategies differ in intent, not mechanics.
//   - manual: reject like server-wins but with a distinct code so the
//     caller can surface the conflict to the user.
//
// Unknown strategies fall back to server-wins.
func Resolve(server *models.Feedback, payload map[string]any, strategy api.ConflictStrategy) Resolution {
	switch strategy {
	case api.StrategyClientWins, api.StrategyMerge:
		merged := server.Clone()
		merged.ApplyPayload(payload)
		return Resolution{Apply: true, Merged: merged}

	case api.StrategyManual:
		return Resolution{Apply: false, Code: api.CodeManualRequired}

	case api.StrategyServerWins:
		return Resolution{Apply: false, Code: api.CodeConflict}

	default:
		return Resolution{Apply: false, Code: api.CodeConflict}
	}
}
