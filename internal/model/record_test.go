package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParentsJSON(t *testing.T) {
	tests := []struct {
		name      string
		parents   []string
		wantJSON  string
		wantMerge bool
	}{
		{"no parents", nil, "[]", false},
		{"single parent", []string{"abc"}, `["abc"]`, false},
		{"merge commit", []string{"abc", "def"}, `["abc","def"]`, true},
		{"octopus merge", []string{"a", "b", "c"}, `["a","b","c"]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, merge := ParentsJSON(tt.parents)
			assert.Equal(t, tt.wantJSON, got)
			assert.Equal(t, tt.wantMerge, merge)
		})
	}
}

func TestDurationSeconds(t *testing.T) {
	created := time.Date(2025, 11, 17, 19, 45, 14, 0, time.UTC)
	closed := time.Date(2025, 11, 22, 10, 7, 7, 0, time.UTC)

	// Seed scenario: PLTFRM-84867 merge PR.
	assert.Equal(t, int64(397313), DurationSeconds(created, &closed))
	assert.Equal(t, int64(0), DurationSeconds(created, nil))

	// Sub-second remainder floors.
	closedFrac := closed.Add(900 * time.Millisecond)
	assert.Equal(t, int64(397313), DurationSeconds(created, &closedFrac))
}

func TestParseFlexibleTime(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  time.Time
		isErr bool
	}{
		{"epoch millis", "2000000", time.UnixMilli(2000000).UTC(), false},
		{"iso8601 z", "2025-11-17T19:45:14Z", time.Date(2025, 11, 17, 19, 45, 14, 0, time.UTC), false},
		{"iso8601 millis", "2025-11-17T19:45:14.123Z", time.Date(2025, 11, 17, 19, 45, 14, 123000000, time.UTC), false},
		{"garbage", "not-a-time", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFlexibleTime(tt.in)
			if tt.isErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestFileExtension(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"src/lib/util.PY", "py"},
		{"Makefile", ""},
		{".gitignore", ""},
		{"dir.d/file", ""},
		{"archive.tar.gz", "gz"},
		{"trailing.", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FileExtension(tt.path), "path %q", tt.path)
	}
}

func TestApprovedStatus(t *testing.T) {
	assert.True(t, ApprovedStatus("APPROVED"))
	assert.True(t, ApprovedStatus("approved"))
	assert.False(t, ApprovedStatus("CHANGES_REQUESTED"))
	assert.False(t, ApprovedStatus("Approved"))
	assert.False(t, ApprovedStatus(""))
}

func TestVersionAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC)
	assert.Equal(t, now.UnixMilli(), VersionAt(now))

	later := now.Add(time.Millisecond)
	assert.Greater(t, VersionAt(later), VersionAt(now))
}
