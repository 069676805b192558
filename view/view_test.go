package view

import (
	"strings"
	"testing"

	"EmberTorrent/core"
)

func TestRenderBar(t *testing.T) {
	var barTests = []struct {
		done, total int64
		wantFilled  int
	}{
		{0, 100, 0},
		{50, 100, barWidth / 2},
		{100, 100, barWidth},
		{0, 0, 0}, // no division by zero on an empty torrent
	}

	for _, cases := range barTests {
		bar := renderBar(core.Stats{BytesCompleted: cases.done, BytesTotal: cases.total})
		if got := strings.Count(bar, "#"); got != cases.wantFilled {
			t.Errorf("renderBar(%v/%v) filled %v cells, want %v", cases.done, cases.total, got, cases.wantFilled)
		}
		if len(bar) != barWidth+2 {
			t.Errorf("bar %q is %v chars, want %v", bar, len(bar), barWidth+2)
		}
	}
}

func TestHumanBytes(t *testing.T) {
	var byteTests = []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 << 20, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}

	for _, cases := range byteTests {
		if got := humanBytes(cases.n); got != cases.want {
			t.Errorf("humanBytes(%v) = %q, want %q", cases.n, got, cases.want)
		}
	}
}
