package models

// Vote is the normalized reviewer vote stored in reviewer mappings
type Vote string

// Reviewer votes. The numeric codes are the ADO reviewer vote contract.
const (
	VoteApproved          Vote = "approved"
	VoteApprovedWithNotes Vote = "approvedWithSuggestions"
	VoteNoVote            Vote = "noVote"
	VoteWaiting           Vote = "waitingForAuthor"
	VoteRejected          Vote = "rejected"
)

var voteCodes = map[int]Vote{
	10:  VoteApproved,
	5:   VoteApprovedWithNotes,
	0:   VoteNoVote,
	-5:  VoteWaiting,
	-10: VoteRejected,
}

// VoteFromCode maps an ADO vote code to a Vote. Unknown codes map to
// VoteNoVote with ok set to false.
func VoteFromCode(code int) (Vote, bool) {
	v, ok := voteCodes[code]
	if !ok {
		return VoteNoVote, false
	}
	return v, true
}

// Approved reports whether the vote closes the reviewer task
func (v Vote) Approved() bool {
	return v == VoteApproved || v == VoteApprovedWithNotes
}
