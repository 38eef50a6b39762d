package testutil

import "github.com/google/uuid"

// Fixed ids of the rows cmd/seed inserts. Cleanup never removes them.
var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	SeedAssetSymbols = []string{"AAPL", "BTC", "ETH", "TSLA"}
)
