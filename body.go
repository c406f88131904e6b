package calltrack

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"strings"
	"sync"
)

// DefaultCaptureLimit is the largest text body, in bytes, the Transport keeps in memory for size
// estimation.
const DefaultCaptureLimit int64 = 1 << 20

// trackedBody wraps a response body, counting and optionally capturing what the caller reads. It
// calls doneFn exactly once, when the stream hits EOF or a read error, or when it is closed.
type trackedBody struct {
	rc     io.ReadCloser
	doneFn func(body []byte, n int64, err error)
	once   sync.Once

	mu       sync.Mutex
	n        int64
	capture  bool
	limit    int64
	buf      bytes.Buffer
	overflow bool
	eof      bool
}

func newTrackedBody(
	rc io.ReadCloser,
	capture bool,
	limit int64,
	doneFn func(body []byte, n int64, err error),
) *trackedBody {
	return &trackedBody{rc: rc, capture: capture, limit: limit, doneFn: doneFn}
}

// Read reads from the underlying body and records when the stream is finished.
func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	b.record(p[:n], errors.Is(err, io.EOF))

	switch {
	case errors.Is(err, io.EOF):
		b.finish(nil)
	case err != nil:
		b.finish(err)
	}
	return n, err
}

// Close closes the underlying body. Closing before EOF finishes the call without a captured body,
// since the full payload was never seen.
func (b *trackedBody) Close() error {
	b.finish(nil)
	return b.rc.Close()
}

func (b *trackedBody) record(p []byte, eof bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n += int64(len(p))
	b.eof = b.eof || eof
	if !b.capture || b.overflow {
		return
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.overflow = true
		b.buf = bytes.Buffer{}
		return
	}
	b.buf.Write(p)
}

func (b *trackedBody) finish(err error) {
	b.once.Do(func() {
		b.mu.Lock()
		var body []byte
		if b.capture && !b.overflow && b.eof && err == nil {
			body = bytes.Clone(b.buf.Bytes())
			if body == nil {
				body = []byte{}
			}
		}
		n := b.n
		b.buf = bytes.Buffer{}
		b.mu.Unlock()

		b.doneFn(body, n, err)
	})
}

// isTextual reports whether a payload with the given content type is text. An absent content type
// counts as text.
func isTextual(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"):
		return true
	}
	switch mediaType {
	case "application/json",
		"application/xml",
		"application/javascript",
		"application/x-www-form-urlencoded",
		"application/graphql",
		"application/x-ndjson":
		return true
	}
	return false
}

// readAllLimited reads at most limit bytes from the body returned by getBody. ok is false when the
// body is longer than limit or cannot be read.
func readAllLimited(getBody func() (io.ReadCloser, error), limit int64) (data []byte, ok bool) {
	rc, err := getBody()
	if err != nil {
		return nil, false
	}
	defer func() {
		_ = rc.Close()
	}()
	data, err = io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil || int64(len(data)) > limit {
		return nil, false
	}
	return data, true
}
