package procedure

import "strings"

// RaceStatus is the RRS status enum derived from the current procedure node.
type RaceStatus string

const (
	StatusIdle             RaceStatus = "IDLE"
	StatusWarning          RaceStatus = "WARNING"
	StatusPreparatory      RaceStatus = "PREPARATORY"
	StatusOneMinute        RaceStatus = "ONE_MINUTE"
	StatusRacing           RaceStatus = "RACING"
	StatusFinished         RaceStatus = "FINISHED"
	StatusPostponed        RaceStatus = "POSTPONED"
	StatusIndividualRecall RaceStatus = "INDIVIDUAL_RECALL"
	StatusGeneralRecall    RaceStatus = "GENERAL_RECALL"
	StatusAbandoned        RaceStatus = "ABANDONED"
)

// keywordTable is checked in order; the first keyword found in the node
// label (case-insensitive) wins.
var keywordTable = []struct {
	keyword string
	status  RaceStatus
}{
	{"warning", StatusWarning},
	{"preparatory", StatusPreparatory},
	{"prep", StatusPreparatory},
	{"one-minute", StatusOneMinute},
	{"one minute", StatusOneMinute},
	{"1-minute", StatusOneMinute},
	{"start", StatusOneMinute},
	{"racing", StatusRacing},
	{"race", StatusRacing},
	{"idle", StatusIdle},
}

// deriveStatus returns the node's explicit override if present, else the
// first keyword table match against its label, else StatusWarning (the
// default while the sequence is running).
func deriveStatus(n *Node) RaceStatus {
	if n.RaceStatusOverride != "" {
		return n.RaceStatusOverride
	}
	label := strings.ToLower(n.Label)
	for _, kw := range keywordTable {
		if strings.Contains(label, kw.keyword) {
			return kw.status
		}
	}
	return StatusWarning
}
