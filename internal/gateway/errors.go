package gateway

import "errors"

var (
	errSendBufferFull = errors.New("gateway: client send buffer full")
	errClientClosed   = errors.New("gateway: client closed")
)
