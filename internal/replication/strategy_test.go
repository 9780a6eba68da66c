package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		synced   int
		unsynced int
		ratio    float64
		want     Strategy
	}{
		{name: "nothing unsynced uses the cursor", synced: 10, unsynced: 0, ratio: 1, want: StrategyCursor},
		{name: "empty collection excludes nothing", synced: 0, unsynced: 10, ratio: 1, want: StrategyExclude},
		{name: "fewer synced excludes", synced: 3, unsynced: 7, ratio: 1, want: StrategyExclude},
		{name: "fewer unsynced includes", synced: 7, unsynced: 3, ratio: 1, want: StrategyInclude},
		{name: "tie includes", synced: 5, unsynced: 5, ratio: 1, want: StrategyInclude},
		{name: "high ratio favours include", synced: 3, unsynced: 7, ratio: 3, want: StrategyInclude},
		{name: "low ratio favours exclude", synced: 7, unsynced: 3, ratio: 0.25, want: StrategyExclude},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ChooseStrategy(tt.synced, tt.unsynced, tt.ratio))
		})
	}
}

func TestLaterThan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{name: "empty is never later", a: "", b: "2024-01-01T00:00:00", want: false},
		{name: "anything beats empty", a: "2024-01-01T00:00:00", b: "", want: true},
		{name: "both empty", a: "", b: "", want: false},
		{name: "later timestamp", a: "2024-01-02T00:00:00", b: "2024-01-01T23:59:59", want: true},
		{name: "equal timestamps", a: "2024-01-02T00:00:00", b: "2024-01-02T00:00:00", want: false},
		{name: "mixed layouts compare as times", a: "2024-01-02 00:00:00", b: "2024-01-01T12:00:00Z", want: true},
		{name: "zone offsets are honoured", a: "2024-01-02T01:00:00+02:00", b: "2024-01-01T23:30:00Z", want: false},
		{name: "opaque cursors compare as strings", a: "v10", b: "v09", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, laterThan(tt.a, tt.b))
		})
	}
}
