// Package proxy decides whether a destination is reached directly or through
// an upstream proxy.
//
// Settings come from a Config value, normally read once per process from the
// ALL_PROXY, HTTPS_PROXY, HTTP_PROXY and NO_PROXY environment variables, and
// can be replaced wholesale in tests. Select is a pure function of the Config
// and the destination; it opens no sockets.
package proxy
