package types

// Event represents a typed record emitted during state transitions. Attributes
// are flat strings so records serialize identically over RPC, the websocket
// feed, and the receipt archive.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
