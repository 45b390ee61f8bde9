package history

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SummaryRequest asks for aggregated call history of one number.
type SummaryRequest struct {
	Number string    `json:"number"`
	Range  TimeRange `json:"range"`
}

// Summary aggregates one number's call history over a range.
type Summary struct {
	Number string `json:"number"`

	TotalCalls    int `json:"total_calls"`
	OutgoingCalls int `json:"outgoing_calls"`
	IncomingCalls int `json:"incoming_calls"`

	AnsweredCalls int `json:"answered_calls"`
	RejectedCalls int `json:"rejected_calls"`
	// MissedCalls are incoming rings that ended without an answer.
	MissedCalls int `json:"missed_calls"`

	TotalTalkSeconds   int `json:"total_talk_seconds"`
	AverageTalkSeconds int `json:"average_talk_seconds"`
}
