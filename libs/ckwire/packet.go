package ckwire

import "fmt"

const (
	// MaxDatagramSize is the largest datagram the protocol ever sends. ConnectionRequests are padded to exactly this size.
	MaxDatagramSize = 1200
	// HeaderSize covers checksum, connection id and type tag.
	HeaderSize = 4 + 8 + 1
	// MaxCookieSize is the most a cookie can hold given its 1-byte length prefix.
	MaxCookieSize = 255
	// MessageHeaderSize covers sequence number, fragment count, fragment index and fragment length.
	MessageHeaderSize = 4 + 1 + 1 + 2
	// MaxFragmentSize is the payload carried by every non-final fragment.
	MaxFragmentSize = MaxDatagramSize - HeaderSize - MessageHeaderSize
	// MaxFragments is the most fragments a message can be split into.
	MaxFragments = 255
	// MaxMessageSize is the largest message that fits in MaxFragments fragments.
	MaxMessageSize = MaxFragments * MaxFragmentSize
)

// ProtocolID is folded into every checksum so that unrelated UDP traffic on the same port never validates.
const ProtocolID uint64 = 0x636b7564702d7631

// Type is the packet type tag.
type Type uint8

// Packet types, as they appear on the wire.
const (
	ConnectionRequest  Type = 1
	Challenge          Type = 2
	ChallengeResponse  Type = 3
	ConnectionAccepted Type = 4
	Message            Type = 5
	Ack                Type = 6
)

func (t Type) String() string {
	switch t {
	case ConnectionRequest:
		return "ConnectionRequest"
	case Challenge:
		return "Challenge"
	case ChallengeResponse:
		return "ChallengeResponse"
	case ConnectionAccepted:
		return "ConnectionAccepted"
	case Message:
		return "Message"
	case Ack:
		return "Ack"
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

func (t Type) valid() bool {
	return t >= ConnectionRequest && t <= Ack
}

// Packet is a decoded datagram. Which fields are meaningful depends on Type:
// Cookie for Challenge and ChallengeResponse, Sequence for Message and Ack,
// and the fragment fields for Message.
type Packet struct {
	ConnectionID uint64
	Type         Type

	Cookie []byte

	Sequence       uint32
	NumFragments   uint8
	FragmentNumber uint8
	Fragment       []byte
}

func (p *Packet) String() string {
	switch p.Type {
	case Challenge, ChallengeResponse:
		return fmt.Sprintf("%v{conn:%x, cookie:%d bytes}", p.Type, p.ConnectionID, len(p.Cookie))
	case Message:
		return fmt.Sprintf("Message{conn:%x, seq:%d, %d/%d, %d bytes}",
			p.ConnectionID, p.Sequence, p.FragmentNumber+1, p.NumFragments, len(p.Fragment))
	case Ack:
		return fmt.Sprintf("Ack{conn:%x, seq:%d}", p.ConnectionID, p.Sequence)
	}
	return fmt.Sprintf("%v{conn:%x}", p.Type, p.ConnectionID)
}
