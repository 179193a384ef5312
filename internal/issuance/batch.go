package issuance

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultParallelism bounds concurrent runs when none is requested.
const DefaultParallelism = 4

// Outcome is the result of one request in a batch.
type Outcome struct {
	Request Request
	Result  Result
	Err     error
}

// IssueAll runs independent pipelines for requests with at most parallelism
// in flight. Outcomes are in request order. A failed run does not cancel the
// others.
func IssueAll(ctx context.Context, o *Orchestrator, requests []Request, parallelism int) []Outcome {
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	outcomes := make([]Outcome, len(requests))

	var g errgroup.Group
	g.SetLimit(parallelism)

	for i, req := range requests {
		g.Go(func() error {
			result, err := o.Issue(ctx, req)
			outcomes[i] = Outcome{Request: req, Result: result, Err: err}
			return nil
		})
	}

	_ = g.Wait()

	return outcomes
}

// Failures counts the outcomes that did not publish a certificate.
func Failures(outcomes []Outcome) int {
	n := 0
	for _, out := range outcomes {
		if out.Err != nil {
			n++
		}
	}
	return n
}
