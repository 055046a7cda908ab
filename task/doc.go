// Package task defines the durable data model of one workflow execution:
// the Task record, its ordered Checklist of Steps, and the Wait
// registrations that tie outstanding long-running calls to the steps that
// depend on them.
//
// All mutations go through methods that validate the transition first and
// refuse with a typed error on violation. The orchestrator relies on
// checklist completeness as the sole gate for terminating a Task, so the
// state machines here never coerce an invalid request into a valid one.
package task
