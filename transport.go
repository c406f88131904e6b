package calltrack

import (
	"context"
	"net/http"
)

// TransportOption is a functional option for the Transport.
type TransportOption func(*Transport)

// WithBase configures the RoundTripper that performs the actual requests. Defaults to
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) TransportOption {
	return func(t *Transport) { t.base = rt }
}

// WithCaptureLimit sets the largest text body, in bytes, kept in memory for size estimation.
// Larger bodies are still tracked, without a body-based estimate. Zero disables capturing.
func WithCaptureLimit(n int64) TransportOption {
	return func(t *Transport) {
		if n >= 0 {
			t.captureLimit = n
		}
	}
}

// WithFailureStatus configures which status codes complete a call through the failure hook, with
// the response attached. Defaults to codes of 400 and above.
func WithFailureStatus(isFailure func(code int) bool) TransportOption {
	return func(t *Transport) {
		if isFailure != nil {
			t.isFailure = isFailure
		}
	}
}

// Transport is an http.RoundTripper that reports the lifecycle of every request to a Tracker:
// request-started before the request is sent, response-received once the response body has been
// read to the end or closed, and request-failed on transport errors, failure status codes and
// body read errors.
//
// The request, response and error returned to the caller are those of the base RoundTripper.
type Transport struct {
	base         http.RoundTripper
	tracker      *Tracker
	captureLimit int64
	isFailure    func(code int) bool
}

// NewTransport creates a Transport reporting to tracker.
func NewTransport(tracker *Tracker, opts ...TransportOption) *Transport {
	t := &Transport{
		tracker:      tracker,
		captureLimit: DefaultCaptureLimit,
		isFailure:    func(code int) bool { return code >= http.StatusBadRequest },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.tracker == nil {
		return t.baseTransport().RoundTrip(req)
	}

	// Errors are logged by the tracker; the request proceeds regardless.
	key, _ := t.tracker.OnRequestStart(req.Context(), t.describeRequest(req))

	resp, err := t.baseTransport().RoundTrip(req)
	if err != nil {
		_ = t.tracker.OnRequestFailure(err, key)
		return resp, err
	}
	if resp == nil {
		t.tracker.Abandon(key)
		return resp, err
	}

	textual := isTextual(resp.Header.Get("Content-Type"))
	if resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		var empty []byte
		if textual {
			empty = []byte{}
		}
		t.finish(key, resp, empty, 0, nil)
		return resp, nil
	}

	// A caller that cancels the request and walks away from the body never reaches EOF or Close,
	// so cancellation abandons the call instead.
	stop := context.AfterFunc(req.Context(), func() {
		t.tracker.Abandon(key)
	})
	capture := t.captureLimit > 0 && textual
	resp.Body = newTrackedBody(resp.Body, capture, t.captureLimit,
		func(body []byte, n int64, readErr error) {
			stop()
			t.finish(key, resp, body, n, readErr)
		})

	return resp, nil
}

// finish completes the call for key from the received response.
func (t *Transport) finish(key Key, resp *http.Response, body []byte, n int64, readErr error) {
	desc := Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		BytesRead:  n,
	}
	if body != nil {
		desc.Body = body
	}

	switch {
	case readErr != nil:
		_ = t.tracker.OnRequestFailure(&ResponseError{Err: readErr, Response: &desc}, key)
	case t.isFailure(resp.StatusCode):
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		_ = t.tracker.OnRequestFailure(&ResponseError{Err: statusErr, Response: &desc}, key)
	default:
		_ = t.tracker.OnResponseSuccess(desc, key)
	}
}

// describeRequest builds the request descriptor without consuming the request body. Text bodies
// are read through GetBody when they fit the capture limit.
func (t *Transport) describeRequest(req *http.Request) Request {
	desc := Request{
		Method:        req.Method,
		Header:        req.Header.Clone(),
		ContentLength: req.ContentLength,
	}
	if req.URL != nil {
		desc.URL = req.URL.String()
	}

	if req.Body == nil || req.Body == http.NoBody {
		desc.ContentLength = 0
		return desc
	}
	if req.GetBody == nil || req.ContentLength < 0 || req.ContentLength > t.captureLimit {
		return desc
	}
	if !isTextual(req.Header.Get("Content-Type")) {
		return desc
	}
	if data, ok := readAllLimited(req.GetBody, t.captureLimit); ok {
		desc.Body = data
	}
	return desc
}

func (t *Transport) baseTransport() http.RoundTripper {
	if t.base == nil {
		return http.DefaultTransport
	}
	return t.base
}
