package protocol

// Headers a client sends when dialling a room. The relay stamps sender_id from the
// participant header so peers can recognise their own echoes.
const (
	HeaderParticipant = "X-Boardsync-Participant"
	HeaderUsername    = "X-Boardsync-Username"
)
