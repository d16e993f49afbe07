package badgerstore

import "github.com/ChuLiYu/hackops/pkg/types"

// Key layout. IDs are ULIDs, so every id-suffixed prefix iterates in
// creation order.
//
//	act/<id>                    ActionRecord
//	actp/<participant>/<id>     participant index
//	once/<participant>/<type>   id of the one-time record (uniqueness key)
//	job/<id>                    PrintJob
//	jobp/<participant>/<id>     participant index
//	slot/<participant>          id of the job holding the print slot
//	pend/<id>                   pending index (watched by subscriptions)
//	claim/<agent>/<id>          printing-by-agent index
//	hb/<agent>                  AgentHeartbeat
const (
	actionPrefix    = "act/"
	actionByPartIdx = "actp/"
	oncePrefix      = "once/"
	jobPrefix       = "job/"
	jobByPartIdx    = "jobp/"
	slotPrefix      = "slot/"
	pendingPrefix   = "pend/"
	claimPrefix     = "claim/"
	heartbeatPrefix = "hb/"
)

func actionKey(id string) []byte { return []byte(actionPrefix + id) }

func actionPartKey(participantID, id string) []byte {
	return []byte(actionByPartIdx + participantID + "/" + id)
}

func actionPartPrefix(participantID string) []byte {
	return []byte(actionByPartIdx + participantID + "/")
}

func onceKey(participantID string, t types.ActionType) []byte {
	return []byte(oncePrefix + participantID + "/" + string(t))
}

func jobKey(id string) []byte { return []byte(jobPrefix + id) }

func jobPartKey(participantID, id string) []byte {
	return []byte(jobByPartIdx + participantID + "/" + id)
}

func jobPartPrefix(participantID string) []byte {
	return []byte(jobByPartIdx + participantID + "/")
}

func slotKey(participantID string) []byte { return []byte(slotPrefix + participantID) }

func pendingKey(id string) []byte { return []byte(pendingPrefix + id) }

func claimKey(agentID, id string) []byte { return []byte(claimPrefix + agentID + "/" + id) }

func claimAgentPrefix(agentID string) []byte { return []byte(claimPrefix + agentID + "/") }

func heartbeatKey(agentID string) []byte { return []byte(heartbeatPrefix + agentID) }

// suffix returns the id after the last '/' of an index key.
func suffix(key []byte) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return string(key[i+1:])
		}
	}
	return string(key)
}
