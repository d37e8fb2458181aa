package models

import (
	"strconv"
	"time"
)

// AccountKey identifies a balance row: one account inside one community.
type AccountKey struct {
	AccountID   int64
	CommunityID int64
}

// String renders the key as "community:account", which is also the event
// partition key.
func (k AccountKey) String() string {
	return strconv.FormatInt(k.CommunityID, 10) + ":" + strconv.FormatInt(k.AccountID, 10)
}

// AccountBalance is the persisted balance record for an AccountKey
type AccountBalance struct {
	AccountID      int64      `db:"account_id"`
	CommunityID    int64      `db:"community_id"`
	Balance        int64      `db:"balance"`          // never negative
	LastDailyClaim *time.Time `db:"last_daily_claim"` // nil until the first daily claim
}

func (b AccountBalance) Key() AccountKey {
	return AccountKey{AccountID: b.AccountID, CommunityID: b.CommunityID}
}

// RankEntry is one row of a community leaderboard
type RankEntry struct {
	Rank      int   `db:"-" json:"rank"`
	AccountID int64 `db:"account_id" json:"account_id"`
	Balance   int64 `db:"balance" json:"balance"`
}

// DailyClaim is the outcome of a daily bonus claim.
type DailyClaim struct {
	Granted     bool
	Amount      int64
	ClaimedAt   time.Time // zero when not granted
	NextClaimAt time.Time
}
