package capture

import (
	"github.com/goccy/go-json"
)

// Channel is an ordered message pipe between the peers.
type Channel interface {
	Send(data []byte) error
	OnMessage(fn func(data []byte))
}

type Kind string

const (
	// Capture asks the other side to take a still.
	Capture Kind = "capture"
	// Frame is a chunk of a still.
	Frame Kind = "frame"
)

// ChunkSize keeps the messages under the safe data channel message size
// after base64.
const ChunkSize = 8 << 10

// Message is a data channel command.
// A capture request with an id is answered with the frame chunks of the same id,
// zero id is the shutter button (the receiver keeps the still).
type Message struct {
	T    Kind   `json:"t"`
	Id   uint32 `json:"id,omitempty"`
	Seq  int    `json:"seq,omitempty"`
	Last bool   `json:"last,omitempty"`
	Data []byte `json:"data,omitempty"`
	Err  string `json:"err,omitempty"`
}

func (m Message) encode() ([]byte, error) { return json.Marshal(m) }

func decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// chunks splits the still into frame messages.
func chunks(id uint32, data []byte) []Message {
	var out []Message
	for seq := 0; ; seq++ {
		n := min(ChunkSize, len(data))
		out = append(out, Message{T: Frame, Id: id, Seq: seq, Data: data[:n], Last: n == len(data)})
		data = data[n:]
		if len(data) == 0 {
			return out
		}
	}
}
