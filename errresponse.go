package httpconn

import (
	"io"
	"net/http"
	"strconv"

	"github.com/newacorn/httpconn/buffers"
)

const errorHeaders = "\r\nContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n"

// appendErrorResponse renders a complete HTTP/1.1 response that ends the
// connection.
func appendErrorResponse(w *buffers.Writer[byte], statusCode int, body string, extraHeaders []string) {
	if len(body) == 0 {
		body = http.StatusText(statusCode)
	}
	body = strconv.Itoa(statusCode) + " " + body
	w.Write([]byte("HTTP/1.1 "))
	w.Write(strconv.AppendInt(nil, int64(statusCode), 10))
	w.Write([]byte(" " + http.StatusText(statusCode)))
	for _, h := range extraHeaders {
		w.Write([]byte("\r\n" + h))
	}
	w.Write([]byte(errorHeaders))
	w.Write([]byte("Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n"))
	w.Write([]byte(body))
	w.Commit()
}

// errHTTPResponseStr renders a canned response once, at init.
func errHTTPResponseStr(statusCode int, body string, extraHeaders []string) string {
	sw := buffers.NewSegmentWriter[byte](buffers.HeapAllocator[byte]{}, 256)
	w := buffers.NewWriter[byte](sw)
	appendErrorResponse(&w, statusCode, body, extraHeaders)
	return string(sw.Sequence().ToSlice())
}

// writeErrHTTPResponse renders into pooled chunks and writes them to dst
// with one vectored write.
func writeErrHTTPResponse(dst io.Writer, statusCode int, body string, extraHeaders []string) error {
	sw := buffers.NewByteSegmentWriter()
	defer sw.Release()
	w := buffers.NewWriter[byte](sw)
	appendErrorResponse(&w, statusCode, body, extraHeaders)
	_, err := sw.WriteTo(dst)
	return err
}

var (
	concurrencyLimitErr = errHTTPResponseStr(http.StatusServiceUnavailable, "The server is currently temporary overloading", []string{"Retry-After: 10"})
	httpToHTTPSErr      = errHTTPResponseStr(http.StatusBadRequest, "Client sent an HTTP request to an HTTPS server.", nil)
)
