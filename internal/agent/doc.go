// Package agent controls the lifecycle of A2A agents.
//
// # Overview
//
// An agent is one transport connection plus one cyclic communication loop
// (see package loop). This package dials the transport, installs the loop,
// runs it on its own goroutine, and tears both down again.
//
// # Setup
//
// Setup dials, runs the OnSetup hook, and starts the loop:
//
//	h, err := agent.Setup(ctx, cfg, dialer,
//	    agent.WithLogger(logger),
//	    agent.OnStop(func(err error) { ... }),
//	)
//
// Any failure before the loop starts is a *SetupError; nothing is left
// running and a dialed transport is closed again.
//
// # Handle
//
// The returned Handle is the controller for that agent:
//
//   - Stop(ctx): request termination and wait for the loop to finish its
//     current cycle. Idempotent. Returns *StopError if ctx expires first.
//   - IsRunning(): true from Setup until the loop has stopped.
//   - Done(): closed once the loop has stopped and the transport is closed.
//   - Err(): the fatal error that stopped the loop, if any.
//   - State(): a snapshot of the loop state.
//
// A fatal transport error (connection lost, authentication failed,
// unreachable) stops the loop without a call to Stop; Done is closed and
// Err reports the cause. The transport is closed exactly once either way.
//
// # Hooks
//
// Lifecycle transitions are explicit hooks rather than overridable methods:
//
//   - OnSetup(func(ctx, *Handle) error): after dialing, before the first
//     cycle. Returning an error aborts Setup.
//   - OnCycleStart(func(cycle int)): at the start of every cycle.
//   - OnStop(func(err error)): once, after the transport is closed, with the
//     loop's fatal error or nil.
//
// # Supervisor
//
// Supervisor runs several agents, each with its own transport and loop. It
// stops all of them when its context is cancelled or when any one fails,
// and returns every agent's error joined together. Agent names must be
// unique; Add returns ErrDuplicateAgent otherwise:
//
//	sup := agent.NewSupervisor(logger, 15*time.Second)
//	if err := sup.Add(cfgA, dialerA); err != nil {
//		return err
//	}
//	if err := sup.Add(cfgB, dialerB); err != nil {
//		return err
//	}
//	err := sup.Run(ctx)
//
// NotifyShutdown derives a context that is cancelled on SIGINT or SIGTERM,
// which is how the binaries drive Supervisor.Run.
//
// # Thread Safety
//
// Handle and Supervisor methods are safe for concurrent use. Hooks run on
// the agent's goroutine and must not call Stop on their own handle and wait.
package agent
