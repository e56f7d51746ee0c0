package relay

import "sync/atomic"

// CloseFlag records that a relay closed the session's connection on purpose.
// The zero value is ready to use.
type CloseFlag struct {
	set atomic.Bool
}

func (f *CloseFlag) Set()        { f.set.Store(true) }
func (f *CloseFlag) IsSet() bool { return f.set.Load() }
