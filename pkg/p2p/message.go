package p2p

// Frame tags. One byte on the wire gates the semantics of everything that
// follows it: a control frame carries a length-prefixed payload, a stream
// frame carries nothing inline and hands the socket over to a consumer.
const (
	IncomingMessage = 0x01
	IncomingStream  = 0x02
)

// RPC is one decoded control message, tagged with the sender's endpoint.
type RPC struct {
	From    string
	Payload []byte
}
