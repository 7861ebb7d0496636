// Package transport opens the client's TCP connection, directly or through
// a SOCKS5 proxy such as a local Tor daemon.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"time"

	"golang.org/x/net/proxy"
)

const (
	DefaultConnectionTimeout = 90 * time.Second
	DefaultKeepAlive         = 30 * time.Second

	// ProxyTestTimeout bounds ProxyAvailable.
	ProxyTestTimeout = 2 * time.Second
)

var (
	// OnionRegex matches v3 .onion addresses.
	OnionRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion(:[0-9]{1,5})?$`)

	// ErrEmptyAddress is returned when no server address is given.
	ErrEmptyAddress = errors.New("address cannot be empty")

	// ErrOnionNeedsProxy is returned when an .onion address is dialed directly.
	ErrOnionNeedsProxy = errors.New(".onion addresses require a SOCKS5 proxy")
)

// IsOnion reports whether addr is a v3 .onion address.
func IsOnion(addr string) bool {
	return OnionRegex.MatchString(addr)
}

// Dialer connects to the chat server. An empty ProxyURL dials directly.
type Dialer struct {
	ProxyURL  string
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a dialer with default timeouts.
func NewDialer(proxyURL string) *Dialer {
	return &Dialer{
		ProxyURL:  proxyURL,
		Timeout:   DefaultConnectionTimeout,
		KeepAlive: DefaultKeepAlive,
	}
}

// Dial connects to addr.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	if addr == "" {
		return nil, ErrEmptyAddress
	}

	base := &net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}

	if d.ProxyURL == "" {
		if IsOnion(addr) {
			return nil, ErrOnionNeedsProxy
		}
		conn, err := base.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("connection to %s failed: %w", addr, err)
		}
		return conn, nil
	}

	proxyURL, err := url.Parse(d.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	dialer, err := proxy.FromURL(proxyURL, base)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	var conn net.Conn
	if cd, ok := dialer.(proxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection via %s failed: %w", d.ProxyURL, err)
	}

	return conn, nil
}

// ProxyAvailable checks that something is listening at the proxy address.
func ProxyAvailable(proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid proxy URL: missing host in %q", proxyURL)
	}

	conn, err := net.DialTimeout("tcp", u.Host, ProxyTestTimeout)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()

	return nil
}
