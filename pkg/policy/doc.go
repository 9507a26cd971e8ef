// Package policy evaluates Rego modules with an embedded OPA engine and exposes
// decisions as pipeline stages. Cast gates and other allow/deny checks are
// written in Rego and authored alongside pipeline definitions.
//
// Decisions are cached in a bounded LRU keyed by the entrypoint and a hash of
// the canonical JSON input, so repeated checks within a frame skip evaluation.
package policy
