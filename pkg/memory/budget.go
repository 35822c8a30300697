package memory

// DefaultTokenBudget is the advisory per-dialog threshold. Crossing it
// produces a warning status, never a hard stop.
const DefaultTokenBudget = 15000

// EstimateTokens approximates the token cost of content when the caller
// does not supply an exact count from the provider.
func EstimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}

// BudgetStatus builds the advisory status for a running token count.
func BudgetStatus(tokenCount, budget int) TokenBudgetStatus {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return TokenBudgetStatus{
		TokenCount: tokenCount,
		Budget:     budget,
		OverBudget: tokenCount > budget,
	}
}
