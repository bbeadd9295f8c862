package p2p

import "errors"

var (
	// ErrNotConnected is returned by Send when no Open connection exists for
	// the peer. The caller decides whether to connect and resend.
	ErrNotConnected = errors.New("not connected to peer")

	// ErrConnectFailed wraps signaling rejection or handshake timeout during
	// Connect. Retry policy is exhausted by the time it is returned.
	ErrConnectFailed = errors.New("connection failed")

	// ErrClosed is returned once CloseAll has torn the manager down.
	ErrClosed = errors.New("connection manager closed")
)
