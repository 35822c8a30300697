package memory

import "testing"

func TestBudgetStatus(t *testing.T) {
	cases := []struct {
		total, budget int
		over          bool
	}{
		{0, 15000, false},
		{15000, 15000, false},
		{15001, 15000, true},
		{20, 0, false}, // zero budget falls back to the default
	}
	for _, tc := range cases {
		got := BudgetStatus(tc.total, tc.budget)
		if got.OverBudget != tc.over {
			t.Fatalf("BudgetStatus(%d, %d).OverBudget = %v, want %v", tc.total, tc.budget, got.OverBudget, tc.over)
		}
		if got.TokenCount != tc.total {
			t.Fatalf("token count not echoed: %#v", got)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text must cost 0 tokens, got %d", got)
	}
	if got := EstimateTokens("hi"); got < 1 {
		t.Fatalf("non-empty text must cost at least 1 token, got %d", got)
	}
	long := make([]rune, 1000)
	for i := range long {
		long[i] = 'a'
	}
	if got := EstimateTokens(string(long)); got < 300 || got > 500 {
		t.Fatalf("1000 runes should land near 400 tokens, got %d", got)
	}
}
