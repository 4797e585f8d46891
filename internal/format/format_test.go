package format

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagebrain/capd/api/schemas"
)

func TestTokenBudget(t *testing.T) {
	tests := []struct {
		name     string
		kind     schemas.ProviderKind
		model    string
		expected int
	}{
		{"local default", schemas.ProviderLocal, "", 8000},
		{"groq default", schemas.ProviderGroq, "llama3-8b-8192", 8000},
		{"groq large model", schemas.ProviderGroq, "llama3-70b-8192", 12000},
		{"openai default", schemas.ProviderOpenAI, "gpt-3.5-turbo", 4000},
		{"openai gpt-4", schemas.ProviderOpenAI, "gpt-4-turbo", 12000},
		{"deepseek", schemas.ProviderDeepseek, "deepseek-chat", 8000},
		{"custom", schemas.ProviderCustom, "anything", 4000},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, TokenBudget(tc.kind, tc.model))
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	// Four characters approximate one token, rounded up.
	assert.Equal(t, 0, EstimateTokens("", ""))
	assert.Equal(t, 1, EstimateTokens("a", ""))
	assert.Equal(t, 1, EstimateTokens("ab", "cd"))
	assert.Equal(t, 2, EstimateTokens("abc", "de"))
	assert.Equal(t, 25, EstimateTokens("", strings.Repeat("x", 100)))
}

func TestFormat_SmallContentUnchanged(t *testing.T) {
	content := "First paragraph.\n\nSecond paragraph."
	res := Format("A Title", content, schemas.ProviderLocal, "")

	assert.False(t, res.Truncated)
	assert.Equal(t, content, res.Content)
}

func TestFormat_TruncatesOversizedContent(t *testing.T) {
	// 50 paragraphs of 2000 chars each is roughly 25k tokens, far over the
	// 4000-token custom budget.
	paragraph := strings.Repeat("w", 2000)
	paragraphs := make([]string, 50)
	for i := range paragraphs {
		paragraphs[i] = paragraph
	}
	content := strings.Join(paragraphs, "\n\n")

	res := Format("Title", content, schemas.ProviderCustom, "")

	require.True(t, res.Truncated)
	assert.True(t, strings.HasSuffix(res.Content, TruncationMarker))
	assert.Less(t, len(res.Content), len(content))

	// The shaped content must fit within 90% of the budget.
	kept := strings.TrimSuffix(res.Content, "\n\n"+TruncationMarker)
	assert.LessOrEqual(t, float64(EstimateTokens("Title", kept)), float64(TokenBudget(schemas.ProviderCustom, ""))*0.9)
}

func TestFormat_KeepsFirstParagraph(t *testing.T) {
	// Even a first paragraph that alone exceeds the budget is kept whole.
	first := strings.Repeat("a", 30000)
	content := first + "\n\n" + strings.Repeat("b", 5000)

	res := Format("Title", content, schemas.ProviderCustom, "")

	require.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Content, first))
	assert.NotContains(t, res.Content, "bbbb")
}

func TestFormat_LargerBudgetKeepsMore(t *testing.T) {
	paragraph := strings.Repeat("w", 2000)
	paragraphs := make([]string, 200)
	for i := range paragraphs {
		paragraphs[i] = paragraph
	}
	content := strings.Join(paragraphs, "\n\n")

	customRes := Format("Title", content, schemas.ProviderCustom, "")
	localRes := Format("Title", content, schemas.ProviderLocal, "")

	require.True(t, customRes.Truncated)
	require.True(t, localRes.Truncated)
	assert.Greater(t, len(localRes.Content), len(customRes.Content))
}

func TestFormat_EmptyContent(t *testing.T) {
	res := Format("Title", "", schemas.ProviderLocal, "")
	assert.False(t, res.Truncated)
	assert.Equal(t, "", res.Content)
}
