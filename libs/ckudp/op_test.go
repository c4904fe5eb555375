package ckudp

import (
	"testing"
	"time"
)

func TestEarliest(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Second)
	cases := []struct {
		a, b, want time.Time
	}{
		{time.Time{}, time.Time{}, time.Time{}},
		{now, time.Time{}, now},
		{time.Time{}, now, now},
		{now, later, now},
		{later, now, now},
	}
	for _, tc := range cases {
		if got := earliest(tc.a, tc.b); !got.Equal(tc.want) {
			t.Errorf("earliest(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
