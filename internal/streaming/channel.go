package streaming

// Channel is the outbound push connection to one client.
//
// Send may block on a slow client and is called from a single writer at a
// time. Close and CloseWithError end the response; both are idempotent.
// Lifecycle callbacks may fire from any goroutine; registering after the
// event already happened invokes the callback immediately.
type Channel interface {
	Send(event string, data []byte) error
	Close() error
	CloseWithError(err error) error

	OnDisconnect(fn func())
	OnTimeout(fn func())
	OnError(fn func(error))
}
