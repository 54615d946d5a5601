package process

import (
	"net/http"

	"github.com/prismq/taskqueue/internal/strategy"
	"github.com/prismq/taskqueue/internal/worker"
	"github.com/prismq/taskqueue/pkg/fetch"
	"github.com/prismq/taskqueue/pkg/scoring"
)

// Task types served by the bundled source modules.
const (
	Fetch = "fetch"
	Score = "score"
)

// NewFactory returns a worker factory with every bundled source module registered.
func NewFactory(strategies *strategy.Registry) (*worker.Factory, error) {
	f := worker.NewFactory(strategies)

	err := f.Register(Fetch, func(worker.Dependencies) (worker.Handler, error) {
		return fetch.NewFetchTask(&http.Client{}), nil
	})
	if err != nil {
		return nil, err
	}

	err = f.Register(Score, func(worker.Dependencies) (worker.Handler, error) {
		return scoring.NewScoreTask(scoring.HalfLifeDecay(24)), nil
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}
