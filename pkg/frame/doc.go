// Package frame drives an entity's pipeline manager one simulation frame at a
// time. It provides the intent buffer stages push side effects into, the
// frame-keyed event queue behind Manager.SchedulePipeline, and the Loop that
// ties them together with definition reloads.
package frame
