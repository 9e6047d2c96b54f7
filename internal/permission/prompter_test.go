package permission

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQuestions(t *testing.T) {
	t.Run("valid input", func(t *testing.T) {
		input := map[string]any{
			"questions": []any{
				map[string]any{
					"question":    "Deploy now?",
					"header":      "Deploy",
					"multiSelect": false,
					"options":     []any{"yes", "no"},
				},
				map[string]any{
					"question": "Which environment?",
					"options": []any{
						map[string]any{"label": "staging"},
						map[string]any{"label": "prod", "description": "requires approval"},
					},
				},
			},
		}

		questions, err := ParseQuestions(input)
		require.NoError(t, err)
		require.Len(t, questions, 2)

		assert.Equal(t, "Deploy now?", questions[0].Question)
		assert.Equal(t, "Deploy", questions[0].Header)
		require.Len(t, questions[0].Options, 2)
		assert.Equal(t, "yes", questions[0].Options[0].Label)

		assert.Equal(t, "Which environment?", questions[1].Question)
		require.Len(t, questions[1].Options, 2)
		assert.Equal(t, "prod", questions[1].Options[1].Label)
		assert.Equal(t, "requires approval", questions[1].Options[1].Description)
	})

	t.Run("missing field", func(t *testing.T) {
		_, err := ParseQuestions(map[string]any{})
		require.Error(t, err)
		assert.ErrorContains(t, err, "no questions field")
	})

	t.Run("not an array", func(t *testing.T) {
		_, err := ParseQuestions(map[string]any{"questions": "what"})
		require.Error(t, err)
		assert.ErrorContains(t, err, "not an array")
	})

	t.Run("empty array", func(t *testing.T) {
		_, err := ParseQuestions(map[string]any{"questions": []any{}})
		require.Error(t, err)
		assert.ErrorContains(t, err, "empty")
	})
}

func TestQuestionOption_UnmarshalJSON(t *testing.T) {
	var opt QuestionOption
	require.NoError(t, json.Unmarshal([]byte(`"yes"`), &opt))
	assert.Equal(t, QuestionOption{Label: "yes"}, opt)

	require.NoError(t, json.Unmarshal([]byte(`{"label":"no","description":"skip this"}`), &opt))
	assert.Equal(t, "no", opt.Label)
	assert.Equal(t, "skip this", opt.Description)

	assert.Error(t, json.Unmarshal([]byte(`42`), &opt))
}
