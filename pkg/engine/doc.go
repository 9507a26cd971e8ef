// Package engine implements the per-entity pipeline manager of the combat simulator.
//
// Architecture:
//
// registry.go    - StageRegistry, the immutable stage pool of an archetype
// definitions.go - DefinitionStore (global scope) and OverrideResolver (skill > member > global)
// dynamic.go     - DynamicIndex of runtime-inserted stages keyed by (pipeline, anchor)
// chain.go       - chain compiler and whole-cache invalidation
// executor.go    - stage-by-stage execution with contract validation and output threading
// manager.go     - Manager facade exposing the public operations
// plan.go        - dry-run expansion for tooling
//
// Every mutation of definitions, overrides or dynamic entries clears the entire
// compiled-chain cache, never a single key.
package engine
