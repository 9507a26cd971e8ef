// Package domain defines the shared types and errors of the skirmish pipeline engine.
//
// This package contains pure domain types with ZERO external dependencies outside the
// Go standard library. The engine, configuration, scripting, and frame packages all
// depend on it; it depends on none of them:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
//
// Entity controllers and compiled skill scripts only ever see the engine through the
// types declared here and the Manager's public operations.
package domain
