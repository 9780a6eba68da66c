package replication

// Strategy selects how a fetch cycle asks the remote for documents
type Strategy string

const (
	// StrategyInclude requests the listed unsynced IDs
	StrategyInclude Strategy = "include"
	// StrategyExclude requests anything except the listed synced IDs
	StrategyExclude Strategy = "exclude"
	// StrategyCursor requests documents modified after the collection cursor
	StrategyCursor Strategy = "cursor"
)

// ChooseStrategy picks the request that carries the smaller ID list. excludeRatio
// weights the synced list: above 1 favours include, below 1 favours exclude. With
// nothing left unsynced only changes since the cursor can be missing.
func ChooseStrategy(synced, unsynced int, excludeRatio float64) Strategy {
	switch {
	case unsynced == 0:
		return StrategyCursor
	case float64(synced)*excludeRatio < float64(unsynced):
		return StrategyExclude
	default:
		return StrategyInclude
	}
}
