package domain

// DailySummary is a pre-aggregated per-profile, per-day rollup of the
// accounting counters, computed so reports remain available once the
// detail tables they were derived from have been archived.
type DailySummary struct {
	ProfileID     string
	Date          string // YYYY-MM-DD in the configured local zone
	ScreenSeconds int64
	ActiveSeconds int64
	IdleSeconds   int64
	SessionCount  int
	BlockCount    int
	WarningCount  int
}
