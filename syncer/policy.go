package syncer

import (
	"github.com/classlane/change-sync/store"
)

// ResolutionPolicy proposes a resolution for a conflicting push. The
// suggestion is advisory only: a conflict is never auto-applied, a client or
// operator must resolve it explicitly.
type ResolutionPolicy interface {
	Suggest(serverRecord *store.ChangeRecord, op store.Operation) string
}

// LastWriteWins suggests the side with the later timestamp: the client's
// operation when its timestamp is newer than the record's last modification,
// the server record otherwise.
type LastWriteWins struct{}

func (LastWriteWins) Suggest(serverRecord *store.ChangeRecord, op store.Operation) string {
	if op.ClientTimestamp > serverRecord.ModifiedAt {
		return store.ResolutionClient
	}
	return store.ResolutionServer
}
