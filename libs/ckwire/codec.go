package ckwire

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

// checksumSeed is the CRC state after absorbing the big-endian ProtocolID.
var checksumSeed = func() uint32 {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], ProtocolID)
	return crc32.ChecksumIEEE(id[:])
}()

func checksum(body []byte) uint32 {
	return crc32.Update(checksumSeed, crc32.IEEETable, body)
}

// Encode serializes p into out, reusing its backing array, and returns the
// resulting datagram. If cap(out) >= MaxDatagramSize nothing is allocated.
// Errors mean the caller built an invalid packet.
func Encode(p *Packet, out []byte) ([]byte, error) {
	out = append(out[:0], 0, 0, 0, 0)
	out = appendUint64(out, p.ConnectionID)
	out = append(out, byte(p.Type))
	switch p.Type {
	case ConnectionRequest:
		for len(out) < MaxDatagramSize {
			out = append(out, 0)
		}
	case Challenge, ChallengeResponse:
		if len(p.Cookie) > MaxCookieSize {
			return nil, errors.Errorf("cookie of %d bytes exceeds %d", len(p.Cookie), MaxCookieSize)
		}
		out = append(out, byte(len(p.Cookie)))
		out = append(out, p.Cookie...)
	case ConnectionAccepted:
	case Message:
		if len(p.Fragment) > MaxFragmentSize {
			return nil, errors.Errorf("fragment of %d bytes exceeds %d", len(p.Fragment), MaxFragmentSize)
		}
		out = appendUint32(out, p.Sequence)
		out = append(out, p.NumFragments, p.FragmentNumber)
		out = appendUint16(out, uint16(len(p.Fragment)))
		out = append(out, p.Fragment...)
	case Ack:
		out = appendUint32(out, p.Sequence)
	default:
		return nil, errors.Errorf("cannot encode %v", p.Type)
	}
	binary.BigEndian.PutUint32(out[:4], checksum(out[4:]))
	return out, nil
}

// Decode parses a datagram. A nil packet with a nil error means the datagram
// is garbage and should be dropped without comment. A non-nil error means the
// reader failed after its bounds were already checked, which should never
// happen. Byte fields of the returned packet alias buf.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, nil
	}
	if binary.BigEndian.Uint32(buf[:4]) != checksum(buf[4:]) {
		return nil, nil
	}
	p := &Packet{
		ConnectionID: binary.BigEndian.Uint64(buf[4:12]),
		Type:         Type(buf[12]),
	}
	if !p.Type.valid() {
		return nil, nil
	}
	body := buf[HeaderSize:]
	rdr := bytes.NewReader(body)
	switch p.Type {
	case ConnectionRequest:
		if len(buf) != MaxDatagramSize {
			return nil, nil
		}
	case Challenge, ChallengeResponse:
		if len(body) < 1 || int(body[0]) > len(body)-1 {
			return nil, nil
		}
		cookieLen, err := rdr.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "reading cookie length")
		}
		p.Cookie = body[1 : 1+int(cookieLen)]
	case Message:
		if len(body) < MessageHeaderSize {
			return nil, nil
		}
		var hdr struct {
			Sequence       uint32
			NumFragments   uint8
			FragmentNumber uint8
			Length         uint16
		}
		if err := binary.Read(rdr, binary.BigEndian, &hdr); err != nil {
			return nil, errors.Wrap(err, "reading message header")
		}
		if int(hdr.Length) > len(body)-MessageHeaderSize {
			return nil, nil
		}
		p.Sequence = hdr.Sequence
		p.NumFragments = hdr.NumFragments
		p.FragmentNumber = hdr.FragmentNumber
		p.Fragment = body[MessageHeaderSize : MessageHeaderSize+int(hdr.Length)]
	case Ack:
		if len(body) < 4 {
			return nil, nil
		}
		if err := binary.Read(rdr, binary.BigEndian, &p.Sequence); err != nil {
			return nil, errors.Wrap(err, "reading ack sequence")
		}
	}
	return p, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}
