package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanAnswerStripsQuestionEcho(t *testing.T) {
	raw := "Question: What color are bananas?\nBananas are yellow [1]."
	assert.Equal(t, "Bananas are yellow [1].", CleanAnswer(raw))
}

func TestCleanAnswerStripsReferencesBlock(t *testing.T) {
	raw := "Bananas are yellow [1].\n\nReferences\n[1] Fruit Colors"
	assert.Equal(t, "Bananas are yellow [1].", CleanAnswer(raw))
}

func TestCleanAnswerCollapsesBlankRuns(t *testing.T) {
	raw := "First paragraph.\n\n\n   \nSecond paragraph."
	assert.Equal(t, "First paragraph.\n\nSecond paragraph.", CleanAnswer(raw))
}

func TestCleanAnswerFallbacks(t *testing.T) {
	cases := []string{"", "   ", "none", "None", "NULL", "n/a", "Question: echo only\n"}
	for _, raw := range cases {
		assert.Equal(t, FallbackAnswer, CleanAnswer(raw), "input %q", raw)
	}
}

func TestCleanAnswerKeepsOrdinaryText(t *testing.T) {
	raw := "  Bananas are yellow [1]. Apples are red [2].  "
	assert.Equal(t, "Bananas are yellow [1]. Apples are red [2].", CleanAnswer(raw))
}
