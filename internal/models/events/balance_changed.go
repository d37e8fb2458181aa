package events

import (
	"time"
)

type ChangeKind string

const (
	KindCredit      ChangeKind = "credit"
	KindDaily       ChangeKind = "daily"
	KindTransferOut ChangeKind = "transfer_out"
	KindTransferIn  ChangeKind = "transfer_in"
	KindAdminSet    ChangeKind = "admin_set"
)

// BalanceChanged is emitted after a ledger mutation has been committed.
type BalanceChanged struct {
	EventID     string     `json:"event_id"`
	Kind        ChangeKind `json:"kind"`
	AccountID   int64      `json:"account_id"`
	CommunityID int64      `json:"community_id"`
	Delta       int64      `json:"delta"`
	Balance     int64      `json:"balance"`
	OccurredAt  time.Time  `json:"occurred_at"`
}
