package transport

import "context"

// CommNet is the network a [Transport] relies on to reach other machines.
type CommNet interface {
	// RegisterMemory exposes buf to remote readers until it is unregistered.
	RegisterMemory(buf []byte) MemHandle

	UnregisterMemory(h MemHandle)

	// SendMsg delivers msg to the transport of machine dst, which must see it
	// through [Transport.EnqueueMsg]. No ordering is assumed between
	// messages.
	SendMsg(ctx context.Context, dst MachineID, msg Msg) error

	// Read copies len(dst) bytes of the memory registered as h on machine
	// src into dst. It returns immediately and calls done once the copy
	// completed or failed.
	Read(ctx context.Context, src MachineID, h MemHandle, dst []byte, done func(error))
}
