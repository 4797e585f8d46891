// Package format shapes scraped page content to fit a provider's context
// window before a prompt wrapper is added around it.
package format

import (
	"strings"

	"github.com/pagebrain/capd/api/schemas"
)

// TruncationMarker is appended when content had to be cut.
const TruncationMarker = "[Content truncated due to length limitations...]"

// budgetHeadroom reserves room for the prompt wrapper text added later.
const budgetHeadroom = 0.9

// Result is the outcome of shaping content for one provider.
type Result struct {
	Content   string
	Truncated bool
}

// TokenBudget returns the per-provider token budget. Larger models raise the
// budget for the providers whose model names carry a size marker.
func TokenBudget(kind schemas.ProviderKind, model string) int {
	switch kind {
	case schemas.ProviderLocal:
		return 8000
	case schemas.ProviderGroq:
		if strings.Contains(model, "70b") {
			return 12000
		}
		return 8000
	case schemas.ProviderOpenAI:
		if strings.Contains(model, "gpt-4") {
			return 12000
		}
		return 4000
	case schemas.ProviderDeepseek:
		return 8000
	case schemas.ProviderCustom:
		return 4000
	}
	return 4000
}

// EstimateTokens approximates the token count of a title+content pair with
// the fixed 4-characters-per-token heuristic. Not a real tokenizer.
func EstimateTokens(title, content string) int {
	return ceilDiv(len(title)+len(content), 4)
}

// Format returns the content unchanged when it fits the provider's budget.
// Otherwise it keeps the lead paragraph, greedily appends further paragraphs
// while the running estimate stays within 90% of the budget, and appends the
// truncation marker at the first paragraph that would not fit.
func Format(title, content string, kind schemas.ProviderKind, model string) Result {
	budget := TokenBudget(kind, model)

	if EstimateTokens(title, content) <= budget {
		return Result{Content: content}
	}

	paragraphs := strings.Split(content, "\n\n")

	// The lead paragraph is kept even if it alone blows the budget.
	var b strings.Builder
	b.WriteString(paragraphs[0])
	b.WriteString("\n\n")
	current := ceilDiv(len(title)+b.Len(), 4)

	limit := float64(budget) * budgetHeadroom
	for _, p := range paragraphs[1:] {
		pTokens := ceilDiv(len(p), 4)
		if float64(current+pTokens) > limit {
			b.WriteString("\n\n")
			b.WriteString(TruncationMarker)
			break
		}
		b.WriteString(p)
		b.WriteString("\n\n")
		current += pTokens
	}

	return Result{Content: b.String(), Truncated: true}
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
