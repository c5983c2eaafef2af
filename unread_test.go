package ronin

import "testing"

func TestUnreadTracker(t *testing.T) {
	t.Run("increment and total", func(t *testing.T) {
		tr := NewUnreadTracker()
		tr.Increment("a")
		tr.Increment("a")
		tr.Increment("b")
		if got := tr.Count("a"); got != 2 {
			t.Fatalf("count a = %d, want 2", got)
		}
		if got := tr.Total(); got != 3 {
			t.Fatalf("total = %d, want 3", got)
		}
	})

	t.Run("reset releases the total", func(t *testing.T) {
		tr := NewUnreadTracker()
		tr.Increment("a")
		tr.Increment("a")
		tr.Increment("b")
		tr.Reset("a")
		if got := tr.Count("a"); got != 0 {
			t.Fatalf("count a = %d, want 0", got)
		}
		if got := tr.Total(); got != 1 {
			t.Fatalf("total = %d, want 1", got)
		}
	})

	t.Run("set replaces a count", func(t *testing.T) {
		tr := NewUnreadTracker()
		tr.Set("a", 5)
		tr.Set("a", 2)
		if got := tr.Total(); got != 2 {
			t.Fatalf("total = %d, want 2", got)
		}
		tr.Set("a", -3)
		if got := tr.Total(); got != 0 {
			t.Fatalf("negative set clamps to 0, total = %d", got)
		}
	})

	t.Run("forget drops the conversation", func(t *testing.T) {
		tr := NewUnreadTracker()
		tr.Increment("a")
		tr.Forget("a")
		if got := tr.Total(); got != 0 {
			t.Fatalf("total = %d, want 0", got)
		}
	})
}

func TestFormatBadge(t *testing.T) {
	cases := []struct {
		n    int
		want string
	}{
		{0, ""},
		{-4, ""},
		{1, "1"},
		{57, "57"},
		{99, "99"},
		{100, "99+"},
		{150, "99+"},
	}
	for _, tc := range cases {
		if got := FormatBadge(tc.n); got != tc.want {
			t.Errorf("FormatBadge(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestTrackerBadge(t *testing.T) {
	tr := NewUnreadTracker()
	if got := tr.Badge(); got != "" {
		t.Fatalf("empty tracker badge = %q, want hidden", got)
	}
	for i := 0; i < 120; i++ {
		tr.Increment("a")
	}
	if got := tr.Badge(); got != "99+" {
		t.Fatalf("badge = %q, want 99+", got)
	}
}
