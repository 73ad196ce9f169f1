// Package framebuf carries frame descriptors from producers to consumers.
//
// A Lane is a fixed-capacity queue: Push blocks for a bounded time when the
// lane is full and then reports ErrLaneFull so the producer can drop the frame
// and count it. Pop blocks until a descriptor is available or the lane is
// closed and empty.
//
// Image bytes live in an Arena. The producer acquires a Buffer, fills it,
// stamps a Descriptor and pushes it; from then on the consumer that popped the
// descriptor owns the buffer and must Release it exactly once, which returns it
// to the arena for the next grab.
package framebuf
