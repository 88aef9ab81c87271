// Copyright 2025 James Ross
package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTierOfBoundaries(t *testing.T) {
	cases := []struct {
		name string
		size int64
		want PriorityTier
	}{
		{"just under high boundary", HighTierMaxBytes - 1, TierHigh},
		{"exactly high boundary", HighTierMaxBytes, TierNormal},
		{"exactly normal boundary", NormalTierMaxBytes, TierNormal},
		{"just over normal boundary", NormalTierMaxBytes + 1, TierLow},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			require.Equal(t, c.want, TierOf(c.size))
		})
	}
}
