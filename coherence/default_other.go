//go:build !linux

package coherence

import "github.com/hanwen/uvmc/fault"

// defaultFaultSource reports that this build carries no production
// fault transport; non-linux callers must inject one via
// WithFaultSource.
func defaultFaultSource() fault.Source {
	return nil
}
