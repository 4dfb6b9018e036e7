package rtsp

import (
	"bufio"
	"bytes"
	"errors"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"io"
	"net"
)

func newRequest(method base.Method, u *base.URL) *base.Request {
	return &base.Request{Method: method, URL: u, Header: base.Header{}}
}

func success(res *base.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

// headerValue returns the first value of key, which must be in canonical form.
func headerValue(h base.Header, key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// readResponse reads one response from br, skipping interleaved binary frames
// that precede it. Errors that are not I/O errors are wrapped in *Error
// of kind ParseResponseError.
func readResponse(br *bufio.Reader) (*base.Response, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] != base.InterleavedFrameMagicByte {
			break
		}
		var fr base.InterleavedFrame
		if err := fr.Unmarshal(br); err != nil {
			return nil, err
		}
	}
	var res base.Response
	if err := res.Unmarshal(br); err != nil {
		if isIOError(err) {
			return nil, err
		}
		return nil, newError(ParseResponseError, "", err)
	}
	return &res, nil
}

func parseResponse(data []byte) (*base.Response, error) {
	return readResponse(bufio.NewReader(bytes.NewReader(data)))
}

func isIOError(err error) bool {
	var ne net.Error
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) || errors.As(err, &ne)
}
