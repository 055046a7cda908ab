// Package engine drives the turn loop of a back-office task: it feeds the
// agent provider the current input, dispatches the tool calls the provider
// emits against a closed tool registry, and decides how each loop ends.
// A loop finishes by completing the mission, suspending on a long-running
// external call, running out of turns, producing nothing actionable, or
// hitting a fatal internal error. Completion is gated by the task itself:
// an agent claiming the mission is done while checklist steps or callbacks
// are outstanding is refused and sent back into the loop with the refusal
// as its next input.
package engine
