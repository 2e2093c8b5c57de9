package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/die-net/tunnelstream/internal/dialer"
	"github.com/die-net/tunnelstream/internal/proxy"
	"github.com/die-net/tunnelstream/internal/socks5"
	"github.com/die-net/tunnelstream/internal/testutil"
)

func TestParseTCPKeepAlive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    net.KeepAliveConfig
		wantErr bool
	}{
		{in: "on", want: net.KeepAliveConfig{Enable: true}},
		{in: " OFF ", want: net.KeepAliveConfig{}},
		{in: "45:30:3", want: net.KeepAliveConfig{Enable: true, Idle: 45 * time.Second, Interval: 30 * time.Second, Count: 3}},
		{in: "", wantErr: true},
		{in: "45:30", wantErr: true},
		{in: "0:30:3", wantErr: true},
		{in: "45:x:3", wantErr: true},
		{in: "45:30:-1", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseTCPKeepAlive(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tt.in, err, tt.wantErr)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("%q: got %+v want %+v", tt.in, got, tt.want)
		}
	}
}

func TestRelayThroughProxy(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	up := testutil.StartSOCKS5Proxy(t, ctx, socks5.Auth{})

	c, err := dialer.New(dialer.Config{Proxy: &proxy.Config{AllProxy: up.URL("socks5h")}})
	if err != nil {
		t.Fatal(err)
	}

	s, err := connectTarget(ctx, c, echoLn.Addr().String(), false)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	msg := strings.Repeat("relay me\n", 1000)
	var out bytes.Buffer
	if err := relay(ctx, s, strings.NewReader(msg), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != msg {
		t.Fatalf("relayed %d bytes, want %d", out.Len(), len(msg))
	}
	if got := up.Targets(); len(got) != 1 || got[0] != echoLn.Addr().String() {
		t.Fatalf("targets %q", got)
	}
}

func TestConnectTargetInvalid(t *testing.T) {
	t.Parallel()

	c, err := dialer.New(dialer.Config{Proxy: &proxy.Config{}})
	if err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{"example.com", "example.com:0", "example.com:http", "gopher://example.com"} {
		if _, err := connectTarget(context.Background(), c, target, false); err == nil {
			t.Fatalf("%q: expected error", target)
		}
	}
}
