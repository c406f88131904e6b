package calltrack

import (
	"errors"
	"net"
	"net/http"
	"time"
)

// defaultDialTimeout bounds connection setup of clients built by NewClient.
const defaultDialTimeout = 5 * time.Second

// ClientTimeouts bounds the phases of calls made through a client built by NewClient. A call cut
// short by one of these completes through the failure hook with the timeout error, so it is
// recorded. Keep Total below the Tracker's TTL: a call still running when the TTL elapses is
// abandoned and never recorded.
type ClientTimeouts struct {
	// Total caps a whole call, body read included (http.Client.Timeout). Zero disables it.
	Total time.Duration

	// ResponseHeader caps the wait for the status line once the request is written. The tracked
	// call then fails with no status code. Zero disables it.
	ResponseHeader time.Duration

	// IdleConn is how long a pooled connection is kept between calls. Zero keeps the
	// http.Transport default.
	IdleConn time.Duration

	// TLSHandshake caps the handshake on new connections. Zero keeps the http.Transport default.
	TLSHandshake time.Duration

	// Dial caps opening a connection. Zero means 5 seconds.
	Dial time.Duration
}

// Validate checks that the ClientTimeouts configuration is valid.
func (t ClientTimeouts) Validate() error {
	if t.Dial < 0 {
		return errors.New("ClientTimeouts.Dial cannot be negative")
	}
	if t.Total < 0 || t.ResponseHeader < 0 || t.IdleConn < 0 || t.TLSHandshake < 0 {
		return errors.New("ClientTimeouts values cannot be negative")
	}
	return nil
}

// NewClient creates an HTTP client whose requests are tracked by tracker.
func NewClient(tracker *Tracker, timeouts ClientTimeouts, opts ...TransportOption) (*http.Client, error) {
	if err := timeouts.Validate(); err != nil {
		return nil, err
	}

	dial := timeouts.Dial
	if dial == 0 {
		dial = defaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: dial, KeepAlive: 30 * time.Second}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = dialer.DialContext
	tr.ResponseHeaderTimeout = timeouts.ResponseHeader
	if timeouts.IdleConn > 0 {
		tr.IdleConnTimeout = timeouts.IdleConn
	}
	if timeouts.TLSHandshake > 0 {
		tr.TLSHandshakeTimeout = timeouts.TLSHandshake
	}

	opts = append([]TransportOption{WithBase(tr)}, opts...)
	return &http.Client{
		Timeout:   timeouts.Total,
		Transport: NewTransport(tracker, opts...),
	}, nil
}

// InstrumentClient returns a copy of c whose requests are tracked by tracker. The copy sends
// requests through c's transport, or http.DefaultTransport if c has none.
func InstrumentClient(c *http.Client, tracker *Tracker, opts ...TransportOption) *http.Client {
	if c == nil {
		c = http.DefaultClient
	}
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	opts = append([]TransportOption{WithBase(base)}, opts...)

	return &http.Client{
		Transport:     NewTransport(tracker, opts...),
		CheckRedirect: c.CheckRedirect,
		Jar:           c.Jar,
		Timeout:       c.Timeout,
	}
}
