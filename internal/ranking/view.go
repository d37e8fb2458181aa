// Package ranking serves community leaderboards straight from the account store.
package ranking

import (
	"context"
	"errors"
	"fmt"

	interfaces "github.com/sheikh-saqib/community-economy-ledger/internal/interfaces"
	"github.com/sheikh-saqib/community-economy-ledger/internal/models"
)

const MaxLimit = 100

var ErrInvalidLimit = errors.New("leaderboard limit must be positive")

type View struct {
	reader interfaces.RankingReader
}

func NewView(reader interfaces.RankingReader) *View {
	return &View{reader: reader}
}

// TopN returns at most n entries (capped at MaxLimit) ordered by balance
// descending, ties by account id ascending, with 1-based ranks filled in.
// Rows are read without locks, so concurrent writes may be reflected per row.
func (v *View) TopN(ctx context.Context, communityID int64, n int) ([]models.RankEntry, error) {
	if n <= 0 {
		return nil, ErrInvalidLimit
	}
	if n > MaxLimit {
		n = MaxLimit
	}

	entries, err := v.reader.ScanTop(ctx, communityID, n)
	if err != nil {
		return nil, fmt.Errorf("scan community %d: %w", communityID, err)
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
