package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"curl", []string{"curl"}},
		{"curl,vim", []string{"curl", "vim"}},
		{" curl , ,vim,", []string{"curl", "vim"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitList(tt.in), "SplitList(%q)", tt.in)
	}
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, Dedupe([]string{"b", "a", "b", "c", "a"}))
	assert.Empty(t, Dedupe(nil))
}
