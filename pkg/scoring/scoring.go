package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/prismq/taskqueue/internal/domain"
)

type ScoreTask struct {
	DecayFunc func(ageHours float64) float64
}

// NewScoreTask is a constructor that takes the age decay function as a dependency
func NewScoreTask(decayFunc func(ageHours float64) float64) ScoreTask {
	if decayFunc == nil {
		decayFunc = HalfLifeDecay(24)
	}

	return ScoreTask{
		DecayFunc: decayFunc,
	}
}

// HalfLifeDecay halves a score every halfLifeHours.
func HalfLifeDecay(halfLifeHours float64) func(float64) float64 {
	return func(ageHours float64) float64 {
		return math.Pow(0.5, ageHours/halfLifeHours)
	}
}

// Execute computes the engagement score of one content item from its views, likes and
// comments. Comments weigh twice as much as likes. An optional age_hours decays the score.
func (s ScoreTask) Execute(ctx context.Context, params map[string]string) (domain.TaskResult, error) {
	slog.InfoContext(ctx, "score parameters:", "params", params)

	views, err := count(params, "views", true)
	if err != nil {
		return domain.TaskResult{}, err
	}
	likes, err := count(params, "likes", false)
	if err != nil {
		return domain.TaskResult{}, err
	}
	comments, err := count(params, "comments", false)
	if err != nil {
		return domain.TaskResult{}, err
	}

	engagementRate := 0.0
	if views > 0 {
		engagementRate = (likes + 2*comments) / views
	}

	decay := 1.0
	if raw, ok := params["age_hours"]; ok {
		age, err := strconv.ParseFloat(raw, 64)
		if err != nil || age < 0 || math.IsNaN(age) || math.IsInf(age, 0) {
			return domain.TaskResult{}, fmt.Errorf("invalid age_hours %q", raw)
		}
		decay = s.DecayFunc(age)
	}
	score := math.Round(engagementRate*decay*100*100) / 100

	return domain.TaskResult{
		Success:        true,
		ItemsProcessed: 1,
		Data: map[string]any{
			"score":           score,
			"engagement_rate": engagementRate,
		},
		Metrics: map[string]float64{
			"score": score,
		},
	}, nil
}

func count(params map[string]string, key string, required bool) (float64, error) {
	raw, ok := params[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("missing %s", key)
		}
		return 0, nil
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return float64(n), nil
}
