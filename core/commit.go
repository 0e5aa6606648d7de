package core

// Mutation computes the next record and the log entry describing the change
// from the subject's current record. Returning an error aborts the commit.
type Mutation func(current ScoreRecord) (next ScoreRecord, entry LogEntry, err error)

// Commit is the result of one transactional update.
// Replayed is set when the idempotency key had already been committed; Record
// is then the current record and Entry the originally committed one.
type Commit struct {
	Record   ScoreRecord `json:"record"`
	Entry    LogEntry    `json:"entry"`
	Replayed bool        `json:"replayed"`
}
