package versions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoFrom(t *testing.T) {
	t.Parallel()

	vcs := func() map[string]string {
		return map[string]string{
			"vcs.revision": "0123456789abcdef",
			"vcs.time":     "2024-05-01T10:00:00Z",
		}
	}

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
		want      Info
	}{
		{
			name:      "release build keeps its values",
			version:   "1.4.0",
			commit:    "abc",
			buildDate: "2024-06-01T00:00:00Z",
			want:      Info{Version: "1.4.0", Commit: "abc", BuildDate: "2024-06-01 00:00:00 UTC"},
		},
		{
			name:      "dev build reads vcs settings",
			version:   "dev",
			commit:    unknownStr,
			buildDate: unknownStr,
			want:      Info{Version: "build-01234567", Commit: "0123456789abcdef", BuildDate: "2024-05-01 10:00:00 UTC"},
		},
		{
			name:      "unparseable date is kept",
			version:   "1.0.0",
			commit:    "abc",
			buildDate: "yesterday",
			want:      Info{Version: "1.0.0", Commit: "abc", BuildDate: "yesterday"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := infoFrom(tt.version, tt.commit, tt.buildDate, vcs)
			tt.want.GoVersion = runtime.Version()
			tt.want.Platform = runtime.GOOS + "/" + runtime.GOARCH
			assert.Equal(t, tt.want, got)
		})
	}
}
