package versions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNewerVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		newVersion string
		oldVersion string
		expected   bool
	}{
		{name: "newer major", newVersion: "2.0.0", oldVersion: "1.0.0", expected: true},
		{name: "newer patch", newVersion: "1.0.2", oldVersion: "1.0.1", expected: true},
		{name: "older minor", newVersion: "1.1.0", oldVersion: "1.2.0", expected: false},
		{name: "equal", newVersion: "1.0.0", oldVersion: "1.0.0", expected: false},
		{name: "release beats prerelease", newVersion: "1.0.0", oldVersion: "1.0.0-alpha", expected: true},
		{name: "v prefix", newVersion: "v2.0.0", oldVersion: "v1.0.0", expected: true},
		{name: "non-semver falls back to strings", newVersion: "version-b", oldVersion: "version-a", expected: true},
		{name: "semver against dev", newVersion: "1.0.0", oldVersion: "dev", expected: false},
		{name: "empty new", newVersion: "", oldVersion: "1.0.0", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, IsNewerVersion(tt.newVersion, tt.oldVersion))
		})
	}
}

func TestCheckpointUsable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		writtenBy string
		running   string
		expected  bool
	}{
		{name: "legacy checkpoint", writtenBy: "", running: "1.0.0", expected: true},
		{name: "same engine", writtenBy: "1.2.0", running: "1.2.0", expected: true},
		{name: "older engine", writtenBy: "1.1.0", running: "1.2.0", expected: true},
		{name: "newer engine", writtenBy: "1.3.0", running: "1.2.0", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, CheckpointUsable(tt.writtenBy, tt.running))
		})
	}
}
