// Package transport moves framed values between workers.
//
// Stream endpoints accept exactly one connection per exchange and read frames
// in the order written. Datagram endpoints reassemble values by index and
// drop duplicates and packets of another run. Every blocking call honours its
// context and the configured Timeouts.
package transport
