package coherence

import "github.com/hanwen/uvmc/stats"

// StatParam identifies a counter readable through Engine.Stat,
// re-exporting stats.Param so callers of this package never need to
// import stats directly.
type StatParam = stats.Param

const (
	StatFaults             = stats.ParamFaults
	StatHostToDeviceCopies = stats.ParamHostToDeviceCopies
	StatDeviceToHostCopies = stats.ParamDeviceToHostCopies
	StatBytesCopied        = stats.ParamBytesCopied
	StatCopyNanos          = stats.ParamCopyNanos
	StatProtectionChanges  = stats.ParamProtectionChanges
	StatStopTheWorld       = stats.ParamStopTheWorld
	StatRegions            = stats.ParamRegions
	StatHostArrays         = stats.ParamHostArrays
)
