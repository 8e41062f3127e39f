// Package protocol implements the device control connection.
//
// Each device gets one Session holding a TCP connection that exchanges
// length-prefixed JSON frames. The session contract is what the fleet layer
// relies on: Connect is safe to call repeatedly while a dial is in flight,
// Close is idempotent and tolerates racing a stale connect, and SetValue
// fails fast when disconnected instead of queueing.
package protocol
