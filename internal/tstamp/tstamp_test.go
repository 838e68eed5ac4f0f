package tstamp

import (
	"testing"
	"time"
)

func TestFormat14(t *testing.T) {
	tm := time.Date(2024, 1, 26, 9, 45, 1, 0, time.UTC)
	if got := Format14(tm); got != "20240126094501" {
		t.Errorf("Format14() = %q, want %q", got, "20240126094501")
	}

	// Non-UTC input is converted.
	est := time.FixedZone("EST", -5*3600)
	tm = time.Date(2024, 1, 26, 4, 45, 1, 0, est)
	if got := Format14(tm); got != "20240126094501" {
		t.Errorf("Format14(est) = %q, want %q", got, "20240126094501")
	}
}

func TestParse14(t *testing.T) {
	tm, err := Parse14("20240126094501")
	if err != nil {
		t.Fatalf("Parse14() error = %v", err)
	}
	want := time.Date(2024, 1, 26, 9, 45, 1, 0, time.UTC)
	if !tm.Equal(want) {
		t.Errorf("Parse14() = %v, want %v", tm, want)
	}

	for _, bad := range []string{"", "2024012609450", "202401260945011", "2024012609450R"} {
		if _, err := Parse14(bad); err == nil {
			t.Errorf("Parse14(%q) expected error", bad)
		}
	}
}

func TestParse(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("now literal", func(t *testing.T) {
		got, err := Parse("now", now)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if !got.Equal(now) {
			t.Errorf("Parse(now) = %v, want %v", got, now)
		}
	})

	t.Run("epoch forms", func(t *testing.T) {
		for _, expr := range []string{"u1710060600", "i1710060600"} {
			got, err := Parse(expr, now)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", expr, err)
			}
			if got.Unix() != 1710060600 {
				t.Errorf("Parse(%q).Unix() = %d, want 1710060600", expr, got.Unix())
			}
		}
	})

	t.Run("relative forms", func(t *testing.T) {
		tests := []struct {
			expr string
			want time.Time
		}{
			{"30 seconds", now.Add(-30 * time.Second)},
			{"1 day", now.Add(-24 * time.Hour)},
			{"1 day 2 hours", now.Add(-26 * time.Hour)},
			{"2 hours, 1 day", now.Add(-26 * time.Hour)},
			{"1.5hours", now.Add(-90 * time.Minute)},
			{"2 weeks", now.Add(-14 * 24 * time.Hour)},
		}
		for _, tt := range tests {
			got, err := Parse(tt.expr, now)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.expr, err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("Parse(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		}
	})

	t.Run("iso variants with offsets", func(t *testing.T) {
		want := int64(1710055800) // 2024-03-10T07:30:00Z
		for _, expr := range []string{
			"2024-03-10T02:30:00-05:00",
			"2024-03-10 02:30:00-0500",
			"20240310023000-05",
			"2024-03-10T07:30:00Z",
			"20240310073000z",
		} {
			got, err := Parse(expr, now)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", expr, err)
			}
			if got.Unix() != want {
				t.Errorf("Parse(%q).Unix() = %d, want %d", expr, got.Unix(), want)
			}
		}
	})

	t.Run("bare date gets midnight", func(t *testing.T) {
		got, err := Parse("2024-03-10", now)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		y, m, d := got.Date()
		if y != 2024 || m != time.March || d != 10 {
			t.Errorf("Parse() date = %d-%d-%d", y, m, d)
		}
		hh, mm, ss := got.Clock()
		if hh != 0 || mm != 0 || ss != 0 {
			t.Errorf("Parse() clock = %d:%d:%d, want midnight", hh, mm, ss)
		}
	})

	t.Run("no offset means local time", func(t *testing.T) {
		got, err := Parse("2024-03-10 07:30:00", now)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		want := time.Date(2024, 3, 10, 7, 30, 0, 0, time.Local)
		if !got.Equal(want) {
			t.Errorf("Parse() = %v, want %v", got, want)
		}
	})

	t.Run("sub-second precision is truncated", func(t *testing.T) {
		got, err := Parse("2024-03-10T07:30:00.123456Z", now)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		if got.Unix() != 1710055800 {
			t.Errorf("Parse().Unix() = %d, want 1710055800", got.Unix())
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, expr := range []string{"", "soon", "2024", "12:30"} {
			if _, err := Parse(expr, now); err == nil {
				t.Errorf("Parse(%q) expected error", expr)
			}
		}
	})
}
