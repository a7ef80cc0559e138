package model

import "encoding/binary"

func leUint64(b []byte) uint64     { return binary.LittleEndian.Uint64(b) }
func lePutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func leUint32(b []byte) uint32     { return binary.LittleEndian.Uint32(b) }
func lePutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
