// Package script runs Lua in a gopher-lua sandbox for three purposes: stage
// transforms authored in definition files, dynamic stage handlers attached by
// buffs, and compiled skill scripts that drive a Manager through Run, RunStage
// and SchedulePipeline.
//
// Every call gets a fresh LState with only the base, string, table and math
// libraries loaded, a deadline, and a math.random seeded from the chunk name so
// replays of the same frame produce the same rolls.
package script
