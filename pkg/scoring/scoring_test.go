package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestScoreTask_Execute_Success: 10 likes and 5 comments on 100 views
func TestScoreTask_Execute_Success(t *testing.T) {
	task := NewScoreTask(nil)

	result, err := task.Execute(context.Background(), map[string]string{
		"views":    "100",
		"likes":    "10",
		"comments": "5",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.ItemsProcessed)
	assert.Equal(t, 20.0, result.Metrics["score"])
	assert.Equal(t, 0.2, result.Data.(map[string]any)["engagement_rate"])
}

// TestScoreTask_Execute_Decay: the injected decay function is applied to age_hours
func TestScoreTask_Execute_Decay(t *testing.T) {
	var gotAge float64
	task := NewScoreTask(func(ageHours float64) float64 {
		gotAge = ageHours
		return 0.5
	})

	result, err := task.Execute(context.Background(), map[string]string{
		"views":     "100",
		"likes":     "10",
		"comments":  "5",
		"age_hours": "36",
	})
	require.NoError(t, err)

	assert.Equal(t, 36.0, gotAge)
	assert.Equal(t, 10.0, result.Metrics["score"])
}

// TestScoreTask_Execute_NoViews: marginal case, no views means no engagement
func TestScoreTask_Execute_NoViews(t *testing.T) {
	result, err := NewScoreTask(nil).Execute(context.Background(), map[string]string{"views": "0", "likes": "3"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Metrics["score"])
}

func TestScoreTask_Execute_Failure(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
		err    string
	}{
		{name: "missing views", params: map[string]string{"likes": "1"}, err: "missing views"},
		{name: "non numeric", params: map[string]string{"views": "many"}, err: `invalid views "many"`},
		{name: "negative", params: map[string]string{"views": "10", "likes": "-1"}, err: `invalid likes "-1"`},
		{name: "bad age", params: map[string]string{"views": "10", "age_hours": "old"}, err: `invalid age_hours "old"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScoreTask(nil).Execute(context.Background(), tt.params)
			assert.EqualError(t, err, tt.err)
		})
	}
}

func TestHalfLifeDecay(t *testing.T) {
	decay := HalfLifeDecay(24)

	assert.Equal(t, 1.0, decay(0))
	assert.Equal(t, 0.5, decay(24))
	assert.Equal(t, 0.25, decay(48))
}
