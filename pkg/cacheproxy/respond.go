package cacheproxy

import (
	"net/http"
	"strconv"

	"github.com/jnovack/txtcache/pkg/httpmsg"
)

// sendError writes a short plain-text error response over the connection.
func (h *Handler) sendError(x *exchange, version string, status int) {
	body := []byte(strconv.Itoa(status) + " " + http.StatusText(status) + "\n")
	resp := httpmsg.NewResponse(version, status, body)
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	resp.Header.Set("Connection", "close")
	_ = h.write(x, resp)
}
