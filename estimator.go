package calltrack

import (
	"io"
	"net/http"
	"reflect"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Request describes an outgoing call at the time it starts.
type Request struct {
	URL    string
	Method string
	Header http.Header
	// Body is the request payload as the caller knows it: a string, a byte slice, a structured
	// value, an io.Reader, or nil.
	Body any
	// ContentLength is the declared body length in bytes, or -1 when unknown. Zero means no body
	// or a declared empty one.
	ContentLength int64
}

// Response describes the response of a completed call.
type Response struct {
	StatusCode int
	Header     http.Header
	// Body is the response payload when it is available as a string or byte slice, nil otherwise.
	Body any
	// ContentType overrides the Content-Type header when set.
	ContentType string
	// BytesRead is the number of body bytes consumed, or -1 when unknown.
	BytesRead int64
}

// contentType returns the response content type, from the descriptor or its headers.
func (r Response) contentType() string {
	if r.ContentType != "" {
		return r.ContentType
	}
	if r.Header == nil {
		return ""
	}
	return r.Header.Get("Content-Type")
}

// RequestEstimator approximates the payload size of a request. ok is false when no estimate can be
// made.
type RequestEstimator func(req Request) (size int64, ok bool)

// ResponseEstimator approximates the payload size of a response. ok is false when no estimate can
// be made.
type ResponseEstimator func(resp Response) (size int64, ok bool)

// DefaultRequestEstimator sums the serialized header length and the body length when the body is
// text or a structured value. Other bodies, including nil and readers, yield no estimate.
//
// Lengths are counted in characters, not encoded bytes, so multi-byte text is underestimated.
func DefaultRequestEstimator(req Request) (int64, bool) {
	bodyLen, ok := textLength(req.Body)
	if !ok {
		bodyLen, ok = structuredLength(req.Body)
	}
	if !ok {
		return 0, false
	}
	headerLen, ok := HeaderLength(req.Header)
	if !ok {
		return 0, false
	}
	return headerLen + bodyLen, true
}

// DefaultResponseEstimator sums the serialized header length and the body length for text bodies.
// Any other body yields no estimate. Lengths are counted in characters, as for requests.
func DefaultResponseEstimator(resp Response) (int64, bool) {
	bodyLen, ok := textLength(resp.Body)
	if !ok {
		return 0, false
	}
	headerLen, ok := HeaderLength(resp.Header)
	if !ok {
		return 0, false
	}
	return headerLen + bodyLen, true
}

// HeaderLength returns the character length of h serialized as a JSON object. A nil header counts
// as zero.
func HeaderLength(h http.Header) (int64, bool) {
	if h == nil {
		return 0, true
	}
	s, err := sonic.MarshalString(h)
	if err != nil {
		return 0, false
	}
	return int64(utf8.RuneCountInString(s)), true
}

// textLength returns the character length of string and byte slice values.
func textLength(body any) (int64, bool) {
	switch b := body.(type) {
	case nil:
		return 0, false
	case string:
		return int64(utf8.RuneCountInString(b)), true
	case []byte:
		return int64(utf8.RuneCount(b)), true
	}

	// Named string and byte slice types, e.g. json.RawMessage.
	rv := reflect.ValueOf(body)
	switch {
	case rv.Kind() == reflect.String:
		return int64(utf8.RuneCountInString(rv.String())), true
	case rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8:
		return int64(utf8.RuneCount(rv.Bytes())), true
	}
	return 0, false
}

// structuredLength returns the character length of the JSON serialization of maps, structs,
// slices and arrays. Readers are streams, not structured values.
func structuredLength(body any) (int64, bool) {
	if !isStructured(body) {
		return 0, false
	}
	s, err := sonic.MarshalString(body)
	if err != nil {
		return 0, false
	}
	return int64(utf8.RuneCountInString(s)), true
}

func isStructured(v any) bool {
	if _, ok := v.(io.Reader); ok {
		return false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		return true
	default:
		return false
	}
}
