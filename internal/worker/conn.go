package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// maxBodyDrain bounds how much of an unread request body the worker will
// consume to keep a connection reusable. Bodies with more than this left
// over close the connection instead.
const maxBodyDrain = 256 << 10

// errKeepAliveExpired ends the wait for the next request on a quiet
// kept-alive connection.
var errKeepAliveExpired = errors.New("keep-alive expired")

// disposition says how serving a connection ended.
type disposition int

const (
	// connDone: the connection is finished, the worker keeps going.
	connDone disposition = iota

	// connTimedOut: a request exceeded the timeout, the worker retires.
	connTimedOut

	// connCrashed: a panic escaped the dispatch chain.
	connCrashed

	// connAborted: an immediate stop interrupted the request.
	connAborted
)

// handlerResult is what the dispatch goroutine reports back: the finished
// response buffer, or the panic that escaped the chain.
type handlerResult struct {
	rw       *responseBuffer
	panicErr error
}

// serveConn serves HTTP/1.x requests on conn in arrival order until the
// client goes away, keep-alive expires, the worker hits a retirement
// condition, or drain begins. The returned error is only set for
// connCrashed and carries the escaped panic.
func (w *Worker) serveConn(ctx context.Context, conn net.Conn) (disposition, error) {
	w.setActive(conn)
	defer w.setActive(nil)
	defer conn.Close()

	br := bufio.NewReader(conn)

	for {
		req, err := w.readRequest(ctx, conn, br)
		if err != nil {
			// Client closed, keep-alive expired, drain began, or the
			// bytes did not parse. The connection is done either way.
			return connDone, nil
		}

		last := w.lastRequest(ctx, req)
		disp, reqErr := w.serveRequest(conn, req, last)
		if disp != connDone {
			return disp, reqErr
		}

		w.requests.Add(1)
		w.send(Event{Type: EventRequestDone})

		if last || reqErr != nil {
			return connDone, nil
		}
	}
}

// readRequest waits for the next request on the connection, heartbeating
// while it waits. The wait is chunked with a read deadline and a one-byte
// Peek so a worker parked on a quiet connection keeps reporting liveness
// without consuming any input.
func (w *Worker) readRequest(ctx context.Context, conn net.Conn, br *bufio.Reader) (*http.Request, error) {
	chunk := heartbeatInterval(w.cfg.RequestTimeout)
	budget := w.cfg.KeepAlive
	if budget < chunk {
		budget = chunk
	}

	var waited time.Duration
	for {
		step := chunk
		if rem := budget - waited; rem < step {
			step = rem
		}
		conn.SetReadDeadline(time.Now().Add(step))

		_, err := br.Peek(1)
		if err == nil {
			break
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			// Retirement is only honored once a full chunk has passed
			// with no bytes: a request already racing in on a freshly
			// handed-off connection always gets served.
			if w.retiring(ctx) {
				return nil, context.Canceled
			}
			waited += step
			if waited >= budget {
				return nil, errKeepAliveExpired
			}
			w.send(Event{Type: EventHeartbeat})
			continue
		}
		return nil, err
	}

	// Bytes are on the wire: bound the header read and parse.
	conn.SetReadDeadline(time.Now().Add(budget))
	req, err := http.ReadRequest(br)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})
	return req, nil
}

// lastRequest decides before dispatch whether req is the final request on
// its connection, so the response can carry Connection: close.
func (w *Worker) lastRequest(ctx context.Context, req *http.Request) bool {
	if req.Close {
		return true
	}
	if w.cfg.KeepAlive <= 0 {
		return true
	}
	if w.cfg.MaxRequests > 0 && w.requests.Load()+1 >= w.cfg.MaxRequests {
		return true
	}
	return w.retiring(ctx)
}

// serveRequest runs one request through the dispatch chain with the
// per-request timer armed. The handler runs on its own goroutine and
// writes into a response buffer; the socket is only touched once the
// handler has won the race against the timer. When the timer wins, the
// worker reports the timeout, the connection is torn down by serveConn's
// deferred close, and the abandoned handler finishes into a buffer nobody
// reads.
func (w *Worker) serveRequest(conn net.Conn, req *http.Request, last bool) (disposition, error) {
	method, path := req.Method, req.URL.Path

	reqCtx, cancel := context.WithTimeout(context.Background(), w.cfg.RequestTimeout)
	defer cancel()
	req = req.WithContext(reqCtx)

	resCh := make(chan handlerResult, 1)
	go func() {
		rw := newResponseBuffer()
		defer func() {
			if r := recover(); r != nil {
				resCh <- handlerResult{panicErr: fmt.Errorf("panic escaped dispatch chain: %v", r)}
				return
			}
			resCh <- handlerResult{rw: rw}
		}()
		w.cfg.Handler.ServeHTTP(rw, req)
	}()

	timer := time.NewTimer(w.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		if res.panicErr != nil {
			return connCrashed, res.panicErr
		}
		return connDone, w.finishRequest(conn, req, res.rw, last)
	case <-timer.C:
		cancel()
		w.send(Event{
			Type:    EventTimeout,
			Method:  method,
			Path:    path,
			Elapsed: w.cfg.RequestTimeout,
		})
		return connTimedOut, nil
	case <-w.abortCh:
		return connAborted, nil
	}
}

// finishRequest drains what the handler left of the body and renders the
// buffered response to the socket. A write error means the client went
// away; the request still counts as served.
func (w *Worker) finishRequest(conn net.Conn, req *http.Request, rw *responseBuffer, last bool) error {
	closeAfter := last
	if !drainBody(req.Body) {
		closeAfter = true
	}
	return rw.writeTo(conn, req, closeAfter)
}

// drainBody consumes whatever the handler left of a request body so the
// next request parses cleanly. Returns false when more than maxBodyDrain
// was left, in which case the connection must close.
func drainBody(body io.ReadCloser) bool {
	if body == nil {
		return true
	}
	defer body.Close()
	n, err := io.Copy(io.Discard, io.LimitReader(body, maxBodyDrain+1))
	return err == nil && n <= maxBodyDrain
}

// responseBuffer is the http.ResponseWriter handed to the dispatch chain.
// The response is held in memory and only written to the socket after the
// handler returns, so an abandoned handler can never corrupt the wire.
type responseBuffer struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (rb *responseBuffer) Header() http.Header { return rb.header }

func (rb *responseBuffer) WriteHeader(status int) {
	if rb.wroteHeader {
		return
	}
	rb.status = status
	rb.wroteHeader = true
}

func (rb *responseBuffer) Write(p []byte) (int, error) {
	if !rb.wroteHeader {
		rb.WriteHeader(http.StatusOK)
	}
	return rb.body.Write(p)
}

// Status returns the code the handler committed, defaulting to 200.
func (rb *responseBuffer) Status() int {
	if !rb.wroteHeader {
		return http.StatusOK
	}
	return rb.status
}

// writeTo renders the buffered response. closeConn adds Connection: close
// and tells the client not to reuse the connection.
func (rb *responseBuffer) writeTo(out io.Writer, req *http.Request, closeConn bool) error {
	resp := &http.Response{
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Request:    req,
		StatusCode: rb.Status(),
		Header:     rb.header,
		Close:      closeConn,
	}
	switch {
	case bodylessStatus(resp.StatusCode):
		// A 1xx, 204 or 304 reply carries no payload; anything the
		// handler buffered stays off the wire.
	case rb.body.Len() == 0 && req.Method != http.MethodHead:
		// Response.Write omits Content-Length for an empty GET reply,
		// which leaves closing the connection as the only framing.
		resp.Body = http.NoBody
		resp.Close = true
	default:
		resp.Body = io.NopCloser(bytes.NewReader(rb.body.Bytes()))
		resp.ContentLength = int64(rb.body.Len())
	}
	return resp.Write(out)
}

// bodylessStatus reports whether a status code forbids a message body.
func bodylessStatus(status int) bool {
	if status >= 100 && status < 200 {
		return true
	}
	return status == http.StatusNoContent || status == http.StatusNotModified
}
