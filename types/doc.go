// Package types contains the shared error taxonomy used across the
// orchestration engine. Every refusal the state machines produce is a
// structured *Error with a stable code, so callers (and the agent) can
// branch on the category instead of parsing message text.
package types
