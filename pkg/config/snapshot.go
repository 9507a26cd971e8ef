package config

import "time"

// Snapshot is one successfully parsed version of the definitions file.
type Snapshot struct {
	Generation  int64
	LoadedAt    time.Time
	Path        string
	Definitions *Definitions
}
