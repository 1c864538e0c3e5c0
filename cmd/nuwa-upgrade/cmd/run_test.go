package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDurationConvertsEachUnit(t *testing.T) {
	cases := []struct {
		unit string
		want time.Duration
	}{
		{"minutes", 2 * time.Minute},
		{"hours", 2 * time.Hour},
		{"days", 2 * 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := delayDuration(2, c.unit)
		assert.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
}

func TestDelayDurationRejectsUnknownUnit(t *testing.T) {
	_, err := delayDuration(1, "fortnights")
	assert.Error(t, err)
}

func TestDelayDurationRejectsNegativeTime(t *testing.T) {
	_, err := delayDuration(-1, "hours")
	assert.Error(t, err)
}
