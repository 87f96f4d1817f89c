package broker

// Frame types on the websocket transport. Requests carry an ID the server
// echoes on the matching response; message frames are pushed unsolicited.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePublish     = "publish"
	frameGet         = "get"
	frameSet         = "set"
	frameDelete      = "delete"
	frameReply       = "reply"
	frameError       = "error"
	frameMessage     = "message"
)

const errCodeNotFound = "not_found"

type frame struct {
	Type    string `json:"type"`
	ID      uint64 `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
	Data    []byte `json:"data,omitempty"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}
