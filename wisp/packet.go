package wisp

import "fmt"

// PacketType identifies the kind of a Wisp packet (spec.md §3).
type PacketType uint8

const (
	// PacketConnect opens a new stream to a destination.
	PacketConnect PacketType = 0x01
	// PacketData carries opaque client<->target bytes for a stream.
	PacketData PacketType = 0x02
	// PacketContinue grants the client more buffer credit for a stream.
	PacketContinue PacketType = 0x03
	// PacketClose tears a stream down. The server ignores a CLOSE on stream id 0.
	PacketClose PacketType = 0x04
	// PacketInfo carries the version-2 handshake capability list.
	PacketInfo PacketType = 0x05
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketData:
		return "DATA"
	case PacketContinue:
		return "CONTINUE"
	case PacketClose:
		return "CLOSE"
	case PacketInfo:
		return "INFO"
	default:
		return fmt.Sprintf("PacketType(0x%02x)", uint8(t))
	}
}

// StreamKind identifies the transport of a CONNECT request's destination.
type StreamKind uint8

const (
	// StreamKindTCP requests a TCP destination stream.
	StreamKindTCP StreamKind = 0x01
	// StreamKindUDP requests a UDP destination stream.
	StreamKindUDP StreamKind = 0x02
)

func (k StreamKind) String() string {
	switch k {
	case StreamKindTCP:
		return "TCP"
	case StreamKindUDP:
		return "UDP"
	default:
		return fmt.Sprintf("StreamKind(0x%02x)", uint8(k))
	}
}

// CloseReason is the one-byte reason code carried by a CLOSE packet (spec.md §6).
type CloseReason uint8

const (
	// CloseNone is not a wire value; IsStreamAllowed returns it to mean "allowed".
	CloseNone                    CloseReason = 0x00
	CloseUnknown                 CloseReason = 0x01
	CloseVoluntary                CloseReason = 0x02
	CloseNetworkError              CloseReason = 0x03
	CloseIncompatibleExtensions CloseReason = 0x04
	CloseInvalidInfo              CloseReason = 0x41
	CloseUnreachableHost          CloseReason = 0x42
	CloseNoResponse                CloseReason = 0x43
	CloseConnRefused               CloseReason = 0x44
	CloseTransferTimeout           CloseReason = 0x47
	CloseHostBlocked               CloseReason = 0x48
	CloseConnThrottled             CloseReason = 0x49
	CloseClientError               CloseReason = 0x81
	CloseAuthBadPassword           CloseReason = 0xC0
	CloseAuthBadSignature          CloseReason = 0xC1
	CloseAuthMissingCredentials   CloseReason = 0xC2
)

// ConnectBody is the decoded payload of a CONNECT packet.
type ConnectBody struct {
	Kind     StreamKind
	Port     uint16
	Hostname string
}

// InfoBody is the decoded payload of an INFO packet.
type InfoBody struct {
	Major, Minor uint8
	Extensions   []Extension
}

// Packet is a fully decoded Wisp packet. Only the field matching Type is valid.
type Packet struct {
	Type     PacketType
	StreamID uint32

	Connect  ConnectBody
	Data     []byte
	Continue uint32
	Close    CloseReason
	Info     InfoBody
}

// minPayloadSize is the minimum legal payload length for each known packet type.
func minPayloadSize(t PacketType) (int, bool) {
	switch t {
	case PacketConnect:
		return 3, true // kind(1) + port(2); hostname may be empty
	case PacketData:
		return 0, true
	case PacketContinue:
		return 4, true
	case PacketClose:
		return 1, true
	case PacketInfo:
		return 2, true // major(1) + minor(1); extension list may be empty
	default:
		return 0, false
	}
}

const packetHeaderSize = 5

// ParsePacket decodes a complete Wisp packet from b. extAllow is the set of
// extension ids the caller recognizes, used when decoding an INFO payload's
// extension list; role selects which per-extension payload shape to expect.
func ParsePacket(b []byte, extAllow map[ExtensionID]bool, role ExtensionRole) (Packet, error) {
	if len(b) < packetHeaderSize {
		return Packet{}, ErrTruncatedPacket
	}
	buf := NewBuffer(b)
	t := PacketType(buf.U8(0))
	streamID := buf.U32(1)
	payload := buf.Slice(packetHeaderSize, buf.Len())

	minSize, known := minPayloadSize(t)
	if !known {
		return Packet{}, ErrUnknownPacketType
	}
	if payload.Len() < minSize {
		return Packet{}, ErrMalformedPacket
	}

	p := Packet{Type: t, StreamID: streamID}
	switch t {
	case PacketConnect:
		p.Connect = ConnectBody{
			Kind:     StreamKind(payload.U8(0)),
			Port:     payload.U16(1),
			Hostname: payload.StringFrom(3),
		}
	case PacketData:
		p.Data = payload.Bytes()
	case PacketContinue:
		p.Continue = payload.U32(0)
	case PacketClose:
		p.Close = CloseReason(payload.U8(0))
	case PacketInfo:
		exts, err := ParseExtensionList(payload.Slice(2, payload.Len()), extAllow, role)
		if err != nil {
			return Packet{}, err
		}
		p.Info = InfoBody{
			Major:      payload.U8(0),
			Minor:      payload.U8(1),
			Extensions: exts,
		}
	}
	return p, nil
}

func packetHeader(t PacketType, streamID uint32, payloadLen int) Buffer {
	buf := NewBuffer(make([]byte, packetHeaderSize+payloadLen))
	buf.PutU8(0, uint8(t))
	buf.PutU32(1, streamID)
	return buf
}

// EncodeConnect serializes a CONNECT packet.
func EncodeConnect(streamID uint32, kind StreamKind, port uint16, hostname string) []byte {
	hostBytes := []byte(hostname)
	buf := packetHeader(PacketConnect, streamID, 3+len(hostBytes))
	buf.PutU8(packetHeaderSize+0, uint8(kind))
	buf.PutU16(packetHeaderSize+1, port)
	copy(buf.Bytes()[packetHeaderSize+3:], hostBytes)
	return buf.Bytes()
}

// EncodeData serializes a DATA packet.
func EncodeData(streamID uint32, data []byte) []byte {
	buf := packetHeader(PacketData, streamID, len(data))
	copy(buf.Bytes()[packetHeaderSize:], data)
	return buf.Bytes()
}

// EncodeContinue serializes a CONTINUE packet.
func EncodeContinue(streamID uint32, bufferRemaining uint32) []byte {
	buf := packetHeader(PacketContinue, streamID, 4)
	buf.PutU32(packetHeaderSize, bufferRemaining)
	return buf.Bytes()
}

// EncodeClose serializes a CLOSE packet.
func EncodeClose(streamID uint32, reason CloseReason) []byte {
	buf := packetHeader(PacketClose, streamID, 1)
	buf.PutU8(packetHeaderSize, uint8(reason))
	return buf.Bytes()
}

// EncodeInfo serializes an INFO packet.
func EncodeInfo(streamID uint32, major, minor uint8, exts []Extension) []byte {
	extBuf := SerializeExtensionList(exts)
	buf := packetHeader(PacketInfo, streamID, 2+extBuf.Len())
	buf.PutU8(packetHeaderSize+0, major)
	buf.PutU8(packetHeaderSize+1, minor)
	copy(buf.Bytes()[packetHeaderSize+2:], extBuf.Bytes())
	return buf.Bytes()
}
