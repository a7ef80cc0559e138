// Package coherence is the public entry point of the userland
// virtual-memory coherence layer: it assembles the region store, the
// HostArray/Subregion/Link data model, the separate allocator, the
// global reader/writer lock, the device-backend and platform-thread
// collaborators, and the two worker queues into one Engine, and
// exposes the link/unlink/translate/kernel_begin/kernel_end operation
// table from spec.md section 6.
//
// The public operations and their argument validation live in api.go,
// together with the kernel_begin/kernel_end actuality transitions;
// host-array allocation and teardown live in hostarray.go, protection
// changes and device->host settles in protection.go, and the fault
// pipeline in workers.go. engine.go holds only the Engine struct, its
// flags and the writer-lock helper.
package coherence

import "fmt"

// Status is the coherence engine's error/result code, mirroring
// fuse.Status (fuse/api.go in the teacher): a small closed integer
// type that implements error so callers can either compare it
// directly against the named constants or treat it as a normal Go
// error.
type Status int32

const (
	OK        Status = 0
	ERROR     Status = -1
	EALLOC    Status = -2
	ENULL     Status = -3
	EARG      Status = -4
	ETWICE    Status = -5
	ERANGE    Status = -6
	ELINK     Status = -7
	EHOSTPTR  Status = -8
	EDEVALLOC Status = -9
	EPROT     Status = -10
	ENOLINK   Status = -11
	ESTATE    Status = -12
	EAPI      Status = -13
)

var statusNames = map[Status]string{
	OK:        "OK",
	ERROR:     "ERROR",
	EALLOC:    "EALLOC",
	ENULL:     "ENULL",
	EARG:      "EARG",
	ETWICE:    "ETWICE",
	ERANGE:    "ERANGE",
	ELINK:     "ELINK",
	EHOSTPTR:  "EHOSTPTR",
	EDEVALLOC: "EDEVALLOC",
	EPROT:     "EPROT",
	ENOLINK:   "ENOLINK",
	ESTATE:    "ESTATE",
	EAPI:      "EAPI",
}

// Ok reports whether s is the success status.
func (s Status) Ok() bool { return s == OK }

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// Error implements the error interface so a Status can be returned
// and compared anywhere a Go error is expected.
func (s Status) Error() string {
	return s.String()
}
