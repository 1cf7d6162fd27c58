//go:build !linux

package ws

import "net"

// Epoll falls back to one peeking goroutine per connection where epoll is
// unavailable, so radard still runs on developer machines.
type Epoll = peekPoller

// NewEpoll creates the fallback poller.
func NewEpoll() (*Epoll, error) {
	return newPeekPoller(), nil
}

func socketFD(net.Conn) int {
	return -1
}
