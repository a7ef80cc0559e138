//go:build linux

package coherence

import (
	"github.com/hanwen/uvmc/fault"
	"github.com/hanwen/uvmc/fault/uffd"
)

// defaultFaultSource returns the production userfaultfd transport, or
// nil if the kernel refuses the descriptor (no CAP_SYS_PTRACE and
// vm.unprivileged_userfaultfd=0), in which case Init reports EAPI and
// the caller must inject a transport explicitly.
func defaultFaultSource() fault.Source {
	s, err := uffd.New()
	if err != nil {
		return nil
	}
	return s
}
