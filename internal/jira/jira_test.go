package jira

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
		want  []string
	}{
		{
			name:  "single key in title",
			texts: []string{"PLTFRM-84867 feat: cli"},
			want:  []string{"PLTFRM-84867"},
		},
		{
			name:  "multiple keys across fields",
			texts: []string{"ABC-1 fix", "relates to DEF2-22 and ABC-1"},
			want:  []string{"ABC-1", "DEF2-22"},
		},
		{
			name:  "lowercase does not match",
			texts: []string{"abc-123 def-4"},
			want:  nil,
		},
		{
			name:  "single letter prefix does not match",
			texts: []string{"A-1 should not match"},
			want:  nil,
		},
		{
			name:  "embedded in word does not match",
			texts: []string{"XABC-123X", "prefixABC-1"},
			want:  nil,
		},
		{
			name:  "digits allowed after first letter",
			texts: []string{"B2B-44 done"},
			want:  []string{"B2B-44"},
		},
		{
			name:  "empty input",
			texts: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.texts...))
		})
	}
}

func TestExtractIdempotent(t *testing.T) {
	texts := []string{"ABC-1 DEF-2 message about ABC-1", "GHI-3"}
	once := Extract(texts...)
	twice := Extract(strings.Join(once, " "))
	assert.Equal(t, once, twice)
}

func TestUnion(t *testing.T) {
	// Bitbucket exposes properties.jira-key alongside the message; both
	// sources merge with dedup.
	got := Union([]string{"ABC-1"}, []string{"ABC-1", "DEF-2", "not a key"})
	assert.Equal(t, []string{"ABC-1", "DEF-2"}, got)

	assert.Empty(t, Union(nil, []string{"lowercase-1"}))
}
