package mcp

// LineConn is the line-oriented view of a tool-provider connection that
// the [Client] frames JSON-RPC messages on. [*Process] is the production
// implementation; tests substitute in-memory pipes.
type LineConn interface {
	// Send writes one message. Implementations append the newline
	// delimiter; line must not contain one.
	Send(line []byte) error

	// ReceiveLine blocks until the next line arrives and returns it
	// without the delimiter.
	ReceiveLine() ([]byte, error)

	// Close releases the connection. Any blocked ReceiveLine returns.
	Close() error
}
