// Package socks5 implements the client half of the SOCKS5 CONNECT handshake
// (RFC 1928, with RFC 1929 username/password when credentials are given).
//
// It builds on the wire types in github.com/txthinking/socks5 but parses
// the CONNECT reply itself: the first five bytes determine the reply length
// and exactly that many bytes are consumed, so nothing the proxy relays
// afterwards is lost.
//
// A small server side (ServerNegotiate, ServerReadRequest and the reply
// writers) backs the test doubles.
package socks5
