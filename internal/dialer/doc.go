// Package dialer establishes outbound connections, directly or through an
// HTTP CONNECT or SOCKS5 proxy, optionally finishing with a TLS handshake.
//
// Connector is the entry point: it consults a proxy.Config for each
// destination, builds the matching Dialer and returns a *stream.Stream.
// The individual dialers implement a small interface (DialContext) and can
// be used on their own, e.g. as an http.Transport DialContext.
package dialer
