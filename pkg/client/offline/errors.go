package offline

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// StatusCoder is implemented by API errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// IsConnectivityError reports whether err means the server could not be
// reached, as opposed to the server rejecting the request.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}

	// *url.Error satisfies net.Error whatever it wraps, so look inside it.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsNetworkDown reports whether err means the device has no usable network, as
// opposed to a working network on which the server cannot be reached.
func IsNetworkDown(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.ENETDOWN) ||
		errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
