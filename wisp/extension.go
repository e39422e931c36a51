package wisp

// ExtensionID identifies a capability record in the version-2 handshake (spec.md §3).
type ExtensionID uint8

const (
	// ExtensionUDP advertises that UDP streams are available. Its payload is
	// always empty, from both roles.
	ExtensionUDP ExtensionID = 0x01
	// ExtensionMOTD carries a server message-of-the-day. The server's payload
	// is a UTF-8 message; the client's payload is always empty.
	ExtensionMOTD ExtensionID = 0x04
)

// ExtensionRole distinguishes which side of the handshake produced an extension
// record, since some extensions have different payload shapes per role.
type ExtensionRole int

const (
	// RoleClient identifies an extension record as having come from the client.
	RoleClient ExtensionRole = iota
	// RoleServer identifies an extension record as having come from the server.
	RoleServer
)

// Extension is a single negotiated capability record: a known, typed variant
// (UDPExtension, MOTDExtension) or, for any id not in the registry, an Opaque
// fallback that preserves the id and raw bytes.
type Extension interface {
	// ID returns the extension's wire id.
	ID() ExtensionID
	// Payload returns the bytes this extension serializes as, for the role it
	// was constructed for.
	Payload() []byte
}

// UDPExtension is the empty-payload UDP-availability capability record.
type UDPExtension struct{}

// ID implements Extension.
func (UDPExtension) ID() ExtensionID { return ExtensionUDP }

// Payload implements Extension.
func (UDPExtension) Payload() []byte { return nil }

// MOTDExtension carries a server message-of-the-day. Message is empty when
// this extension represents the client's side of the handshake.
type MOTDExtension struct {
	Message string
}

// ID implements Extension.
func (MOTDExtension) ID() ExtensionID { return ExtensionMOTD }

// Payload implements Extension.
func (e MOTDExtension) Payload() []byte { return []byte(e.Message) }

// OpaqueExtension preserves an extension record whose id is not in the local
// registry: its payload is not decoded, but when the caller's allow set names
// its id, its id and raw bytes are retained as-is.
type OpaqueExtension struct {
	IDValue ExtensionID
	Bytes   []byte
}

// ID implements Extension.
func (e OpaqueExtension) ID() ExtensionID { return e.IDValue }

// Payload implements Extension.
func (e OpaqueExtension) Payload() []byte { return e.Bytes }

// extensionParser builds a typed Extension from a raw payload, given the role
// of whichever side produced the record.
type extensionParser func(payload []byte, role ExtensionRole) Extension

// extensionRegistry is the static table of (id, parser) pairs for known
// extensions. Unknown ids fall back to OpaqueExtension in ParseExtensionList.
var extensionRegistry = map[ExtensionID]extensionParser{
	ExtensionUDP: func(payload []byte, role ExtensionRole) Extension {
		return UDPExtension{}
	},
	ExtensionMOTD: func(payload []byte, role ExtensionRole) Extension {
		if role == RoleServer {
			return MOTDExtension{Message: string(payload)}
		}
		return MOTDExtension{}
	},
}

// ParseExtensionList repeatedly reads (id, u32-LE length, length bytes) records
// from buf. Records whose id is in allow are decoded per the registry (or kept
// as Opaque if the id is unknown to the registry); records whose id is not in
// allow are skipped, with their length still consumed. A declared length that
// would exceed the remaining buffer is ErrMalformedExtensions.
func ParseExtensionList(buf Buffer, allow map[ExtensionID]bool, role ExtensionRole) ([]Extension, error) {
	var result []Extension
	offset := 0
	for offset < buf.Len() {
		if offset+5 > buf.Len() {
			return nil, ErrMalformedExtensions
		}
		id := ExtensionID(buf.U8(offset))
		length := buf.U32(offset + 1)
		offset += 5
		if length > uint32(buf.Len()-offset) {
			return nil, ErrMalformedExtensions
		}
		payload := buf.Slice(offset, offset+int(length))
		offset += int(length)

		if !allow[id] {
			continue
		}
		if parse, ok := extensionRegistry[id]; ok {
			result = append(result, parse(payload.Bytes(), role))
		} else {
			result = append(result, OpaqueExtension{IDValue: id, Bytes: payload.Bytes()})
		}
	}
	return result, nil
}

// SerializeExtensionList encodes exts as a sequence of (id, u32-LE length,
// payload) records.
func SerializeExtensionList(exts []Extension) Buffer {
	total := 0
	for _, e := range exts {
		total += 5 + len(e.Payload())
	}
	out := NewBuffer(make([]byte, total))
	offset := 0
	for _, e := range exts {
		payload := e.Payload()
		out.PutU8(offset, uint8(e.ID()))
		out.PutU32(offset+1, uint32(len(payload)))
		copy(out.Bytes()[offset+5:], payload)
		offset += 5 + len(payload)
	}
	return out
}

// ExtensionByID returns the first extension in exts with the given id, if any.
func ExtensionByID(exts []Extension, id ExtensionID) (Extension, bool) {
	for _, e := range exts {
		if e.ID() == id {
			return e, true
		}
	}
	return nil, false
}
