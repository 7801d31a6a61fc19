// Package dsrgraph executes data subject requests (access, erasure and
// consent) across many data stores.
//
// Datasets describe collections and the field references between them.
// They are merged into a graph.DatasetGraph, and for each request the
// graph is traversed from the submitted identity to find every collection
// that can be reached. Each reachable collection becomes a GraphTask run
// against its store's connector.Connector once every collection feeding it
// has finished.
//
// # Runs
//
// A Runner executes one action of one privacy request:
//
//	runner, err := dsrgraph.NewRunner(g, policies, connections,
//	    dsrgraph.WithSettings(settings),
//	    dsrgraph.WithLogger(logger),
//	)
//	result, err := runner.RunAccess(ctx, requestID)
//
// In durable mode every task is persisted as a taskstore.RequestTask, so a
// crashed or suspended run picks up where it left off: completed tasks are
// not re-run and a failed task marks its descendants failed while unrelated
// branches continue. Without durability, results are cached in the
// key/value cache instead and a failed task aborts the run.
//
// # Suspension
//
// A connector can ask for the whole request to pause (for example, until a
// manual step is done) or for one task to wait for an asynchronous
// callback. Paused requests expire to error when the cached identity does.
// Runner.ResolvePause, Runner.CompleteCallback and Runner.Cancel, or the
// matching signals sent through Runner.Signals, move them on.
//
// # Processing
//
// Processor walks a request through its checkpointed phases, from
// pre-execution webhooks to post-execution webhooks, resuming from the
// phase stored on the request. Erasure and consent that must be fulfilled
// by email hold the request in awaiting_email_send until the email send
// succeeds.
package dsrgraph
