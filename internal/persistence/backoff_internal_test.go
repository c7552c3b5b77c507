package persistence

import (
	"testing"
	"time"
)

func TestBilledMinutes(t *testing.T) {
	cases := []struct {
		seconds int64
		want    int64
	}{
		{0, 1},
		{1, 1},
		{59, 1},
		{60, 1},
		{61, 2},
		{119, 2},
		{120, 2},
		{121, 3},
	}
	for _, tc := range cases {
		if got := billedMinutes(tc.seconds); got != tc.want {
			t.Errorf("billedMinutes(%d) = %d, want %d", tc.seconds, got, tc.want)
		}
	}
}

func TestNotifyBackoff(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 300 * time.Second},
		{3, 900 * time.Second},
		{4, 900 * time.Second},
		{10, 900 * time.Second},
	}
	for _, tc := range cases {
		if got := notifyBackoff(tc.attempt); got != tc.want {
			t.Errorf("notifyBackoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
