package devicebackend

import (
	"context"
	"log"
)

// LoggingBackend wraps a Backend and logs each call, mirroring
// fuse.LoggingFileSystem's "wrap and print what the operation did"
// shape.
type LoggingBackend struct {
	Backend
}

func NewLoggingBackend(b Backend) *LoggingBackend {
	return &LoggingBackend{Backend: b}
}

func (l *LoggingBackend) Alloc(ctx context.Context, dev int, n int) (Buffer, error) {
	log.Printf("devicebackend: Alloc dev=%d n=%d", dev, n)
	return l.Backend.Alloc(ctx, dev, n)
}

func (l *LoggingBackend) Free(dev int, buf Buffer) {
	log.Printf("devicebackend: Free dev=%d", dev)
	l.Backend.Free(dev, buf)
}

func (l *LoggingBackend) CopyHostToDevice(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error {
	log.Printf("devicebackend: CopyHostToDevice dev=%d off=%d n=%d", dev, off, len(host))
	return l.Backend.CopyHostToDevice(ctx, dev, buf, off, host)
}

func (l *LoggingBackend) CopyDeviceToHost(ctx context.Context, dev int, buf Buffer, off uintptr, host []byte) error {
	log.Printf("devicebackend: CopyDeviceToHost dev=%d off=%d n=%d", dev, off, len(host))
	return l.Backend.CopyDeviceToHost(ctx, dev, buf, off, host)
}
