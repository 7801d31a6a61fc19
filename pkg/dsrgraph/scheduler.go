package dsrgraph

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/graph"
)

// decision tells the scheduler what a finished task means for the rest of
// the plan.
type decision int

const (
	// release lets downstream tasks run once their other upstreams finish.
	release decision = iota

	// hold keeps every downstream task from running in this run.
	hold

	// halt stops scheduling new tasks. Tasks in flight finish.
	halt
)

// planStep is one schedulable address and the addresses it waits on.
type planStep struct {
	Address  graph.CollectionAddress
	Upstream []graph.CollectionAddress
}

// execFunc runs the task at addr. A non-nil error aborts the run: the
// context passed to in-flight tasks is canceled and nothing else starts.
type execFunc func(ctx context.Context, addr graph.CollectionAddress) (decision, error)

// scheduler runs a plan with a ready queue. A step becomes ready when
// every upstream it waits on has been released; ready steps start in plan
// order, at most workers at a time.
type scheduler struct {
	steps   []planStep
	workers int
}

// schedule is what a scheduler run did.
type schedule struct {
	Started []graph.CollectionAddress
	Halted  bool
}

func newScheduler(steps []planStep, workers int) *scheduler {
	if workers < 1 {
		workers = 1
	}
	return &scheduler{steps: steps, workers: workers}
}

// run executes the plan. Steps listed in released are treated as already
// finished with release; steps in held as finished with hold. Neither is
// executed again.
func (s *scheduler) run(ctx context.Context, released, held map[graph.CollectionAddress]bool, exec execFunc) (schedule, error) {
	position := make(map[graph.CollectionAddress]int, len(s.steps))
	for i, st := range s.steps {
		position[st.Address] = i
	}

	downstream := make(map[graph.CollectionAddress][]graph.CollectionAddress)
	waiting := make(map[graph.CollectionAddress]int)
	var ready []int
	for i, st := range s.steps {
		if released[st.Address] || held[st.Address] {
			continue
		}
		n := 0
		for _, up := range st.Upstream {
			if _, inPlan := position[up]; !inPlan || released[up] {
				continue
			}
			downstream[up] = append(downstream[up], st.Address)
			n++
		}
		waiting[st.Address] = n
		if n == 0 {
			ready = append(ready, i)
		}
	}

	type finished struct {
		addr graph.CollectionAddress
		dec  decision
		err  error
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	results := make(chan finished, len(s.steps))

	var out schedule
	inFlight := 0
	stopped := false
	for {
		for !stopped && len(ready) > 0 && inFlight < s.workers {
			if gctx.Err() != nil {
				stopped = true
				break
			}
			addr := s.steps[ready[0]].Address
			ready = ready[1:]
			out.Started = append(out.Started, addr)
			inFlight++
			g.Go(func() error {
				dec, err := exec(gctx, addr)
				results <- finished{addr: addr, dec: dec, err: err}
				return err
			})
		}
		if inFlight == 0 {
			break
		}

		f := <-results
		inFlight--
		if f.err != nil {
			stopped = true
			continue
		}
		switch f.dec {
		case release:
			for _, down := range downstream[f.addr] {
				waiting[down]--
				if waiting[down] == 0 {
					i := position[down]
					at, _ := slices.BinarySearch(ready, i)
					ready = slices.Insert(ready, at, i)
				}
			}
		case halt:
			stopped = true
			out.Halted = true
		case hold:
		}
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}
