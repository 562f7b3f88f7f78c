package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuccessRate(t *testing.T) {
	cases := []struct {
		name       string
		successful int
		total      int
		want       string
	}{
		{"partial", 28, 30, "93.33"},
		{"repeating", 1, 3, "33.33"},
		{"all", 3, 3, "100"},
		{"none", 0, 5, "0"},
		{"zero total", 0, 0, "0"},
		{"sevenths", 2, 7, "28.57"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, successRate(tc.successful, tc.total).String())
		})
	}
}
