package optim

import (
	"context"
	"math"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/san-kum/dipcsim/internal/experiment"
	"github.com/san-kum/dipcsim/internal/sim"
)

type GridSearch struct {
	paramNames []string
	ranges     [][]float64
	workers    int
}

// NewGridSearch searches the cartesian product of ranges. workers <= 0 uses
// one worker per CPU.
func NewGridSearch(params []string, ranges [][]float64, workers int) *GridSearch {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &GridSearch{paramNames: params, ranges: ranges, workers: workers}
}

// Trial is one evaluated grid point.
type Trial struct {
	Params map[string]float64
	Score  float64
	Reason sim.StopReason
	Err    error
}

// Points enumerates the grid in row-major order.
func (g *GridSearch) Points() []map[string]float64 {
	var out []map[string]float64
	g.expand(0, make(map[string]float64), &out)
	return out
}

func (g *GridSearch) expand(depth int, current map[string]float64, out *[]map[string]float64) {
	if depth == len(g.paramNames) {
		p := make(map[string]float64, len(current))
		for k, v := range current {
			p[k] = v
		}
		*out = append(*out, p)
		return
	}
	for _, val := range g.ranges[depth] {
		current[g.paramNames[depth]] = val
		g.expand(depth+1, current, out)
	}
}

// Search runs every grid point and returns the trials sorted by score, best
// first. Points that cannot be built or do not finish by duration score
// +Inf. Only cancellation of ctx is returned as an error.
func (g *GridSearch) Search(
	ctx context.Context,
	buildExperiment func(params map[string]float64) (*experiment.Experiment, error),
	metricName string,
) ([]Trial, error) {
	points := g.Points()
	trials := make([]Trial, len(points))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i, p := range points {
		i, p := i, p
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			trials[i] = evaluate(egCtx, p, buildExperiment, metricName)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(trials, func(i, j int) bool { return trials[i].Score < trials[j].Score })
	return trials, nil
}

func evaluate(
	ctx context.Context,
	params map[string]float64,
	buildExperiment func(map[string]float64) (*experiment.Experiment, error),
	metricName string,
) Trial {
	t := Trial{Params: params, Score: math.Inf(1)}
	exp, err := buildExperiment(params)
	if err != nil {
		t.Err = err
		return t
	}
	result, err := exp.Run(ctx)
	if result != nil {
		t.Reason = result.Reason
	}
	if err != nil {
		t.Err = err
		return t
	}
	if result.Reason == sim.StopDuration {
		t.Score = result.Metrics[metricName]
	}
	return t
}
