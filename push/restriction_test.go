package push

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestriction_Match(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		table   string
		want    bool
	}{
		{name: "empty matches all", table: "steps", want: true},
		{name: "internal table", table: "_sync_log", want: false},
		{name: "internal table even if included", include: []string{"*"}, table: "_sync_log", want: false},
		{name: "excluded", exclude: []string{"steps"}, table: "steps", want: false},
		{name: "exclude wins over include", include: []string{"steps"}, exclude: []string{"st*"}, table: "steps", want: false},
		{name: "included exact", include: []string{"steps"}, table: "steps", want: true},
		{name: "not included", include: []string{"steps"}, table: "heart_rate", want: false},
		{name: "included glob", include: []string{"heart_*"}, table: "heart_rate", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRestriction(tt.include, tt.exclude)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Match(tt.table))
		})
	}
}

func TestRestriction_Tables(t *testing.T) {
	r, err := NewRestriction(nil, []string{"heart_rate"})
	require.NoError(t, err)
	assert.Equal(t, []string{"steps", "weight"}, r.Tables([]string{"_meta", "steps", "heart_rate", "weight"}))
}

func TestNewRestriction_InvalidPattern(t *testing.T) {
	_, err := NewRestriction([]string{"[steps"}, nil)
	assert.Error(t, err)

	_, err = NewRestriction(nil, []string{"{a,b"})
	assert.Error(t, err)
}
