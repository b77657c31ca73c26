package notify

import "testing"

func TestRiskEmojiThresholds(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{0, "🟢"},
		{39, "🟢"},
		{40, "🟡"},
		{69, "🟡"},
		{70, "🔴"},
		{100, "🔴"},
	}
	for _, tc := range cases {
		if got := riskEmoji(tc.score); got != tc.want {
			t.Errorf("riskEmoji(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestBuildBlocksFallbackText(t *testing.T) {
	_, fallback := buildBlocks(Payload{Number: 7, Title: "Fix header parsing"})
	want := "PR #7: Fix header parsing"
	if fallback != want {
		t.Errorf("fallback = %q, want %q", fallback, want)
	}
}

func TestBuildBlocksIncludesDashboardButtonOnlyWhenSet(t *testing.T) {
	blocksWithout, _ := buildBlocks(Payload{Number: 1, Title: "t", HTMLURL: "https://x"})
	blocksWith, _ := buildBlocks(Payload{Number: 1, Title: "t", HTMLURL: "https://x", DashboardURL: "https://dash"})

	if len(blocksWith) != len(blocksWithout) {
		// Both include an actions block; the with-dashboard one has 2 buttons, not an extra block.
		t.Fatalf("unexpected block count difference: %d vs %d", len(blocksWith), len(blocksWithout))
	}
}
