package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/moham96/swarmcore/internal/bencode"
)

type MessageID uint8

const (
	MsgChoke         MessageID = 0
	MsgUnchoke       MessageID = 1
	MsgInterested    MessageID = 2
	MsgNotInterested MessageID = 3
	MsgHave          MessageID = 4
	MsgBitfield      MessageID = 5
	MsgRequest       MessageID = 6
	MsgPiece         MessageID = 7
	MsgCancel        MessageID = 8

	// MsgAllowedFast is the BEP 6 Fast extension message: the sender
	// promises not to choke requests for this piece index. This core
	// never generates AllowedFast itself; it only recognizes and honors
	// one received from a remote peer.
	MsgAllowedFast MessageID = 17

	// MsgExtended carries a BEP 10 extended-protocol payload: a single
	// byte extended-message ID followed by a bencoded dictionary.
	MsgExtended MessageID = 20
)

func (mid MessageID) String() string {
	switch mid {
	case MsgChoke:
		return "Choke"
	case MsgUnchoke:
		return "Unchoke"
	case MsgInterested:
		return "Interested"
	case MsgNotInterested:
		return "NotInterested"
	case MsgHave:
		return "Have"
	case MsgBitfield:
		return "Bitfield"
	case MsgRequest:
		return "Request"
	case MsgPiece:
		return "Piece"
	case MsgCancel:
		return "Cancel"
	case MsgAllowedFast:
		return "AllowedFast"
	case MsgExtended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", mid)
	}
}

// Message is a length-prefixed wire message. A nil *Message serializes to
// the zero-length keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf
}

func (m *Message) ParseHave() (uint32, bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

func (m *Message) ParseRequest() (idx, begin, length uint32, ok bool) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]),
		true
}

func (m *Message) ParsePiece() (idx, begin uint32, block []byte, ok bool) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:],
		true
}

func (m *Message) ParseAllowedFast() (uint32, bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseExtended splits an extended message into its extended-message ID and
// the raw bencoded dictionary that follows it.
func (m *Message) ParseExtended() (extID byte, dict []byte, ok bool) {
	if len(m.Payload) < 1 {
		return 0, nil, false
	}
	return m.Payload[0], m.Payload[1:], true
}

func ReadMessage(r io.Reader) (*Message, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return &Message{ID: MessageID(buf[0]), Payload: buf[1:]}, nil
}

func WriteMessage(w io.Writer, m *Message) error {
	if m == nil {
		var z [4]byte
		_, err := io.Copy(w, bytes.NewReader(z[:]))
		return err
	}
	_, err := io.Copy(w, bytes.NewReader(m.Serialize()))
	return err
}

func MessageChoke() *Message         { return &Message{ID: MsgChoke} }
func MessageUnchoke() *Message       { return &Message{ID: MsgUnchoke} }
func MessageInterested() *Message    { return &Message{ID: MsgInterested} }
func MessageNotInterested() *Message { return &Message{ID: MsgNotInterested} }

func MessageHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: MsgHave, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{ID: MsgBitfield, Payload: cp}
}

func MessageRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgRequest, Payload: payload}
}

func MessagePiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: MsgPiece, Payload: payload}
}

func MessageCancel(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: MsgCancel, Payload: payload}
}

// ExtendedHandshakeID is the reserved extended-message ID (0) used for the
// BEP 10 handshake dictionary itself, as opposed to a registered extension.
const ExtendedHandshakeID = 0

// ExtendedPEXName is the extension-name key this core registers under in
// the "m" dictionary of the BEP 10 handshake, per BEP 11.
const ExtendedPEXName = "ut_pex"

// MessageExtendedHandshake builds the BEP 10 handshake message. localPEXID
// is the extended-message ID this client will use for ut_pex; listenPort,
// if nonzero, is advertised so the remote peer can connect back. yourIP, if
// present, reports the remote's observed public address.
func MessageExtendedHandshake(localPEXID byte, listenPort int, yourIP []byte, version string) (*Message, error) {
	dict := map[string]any{
		"m": map[string]any{
			ExtendedPEXName: int(localPEXID),
		},
	}
	if listenPort > 0 {
		dict["p"] = listenPort
	}
	if len(yourIP) > 0 {
		dict["yourip"] = string(yourIP)
	}
	if version != "" {
		dict["v"] = version
	}

	body, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("wire: encode extended handshake: %w", err)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = ExtendedHandshakeID
	copy(payload[1:], body)

	return &Message{ID: MsgExtended, Payload: payload}, nil
}

// MessageExtendedPEX builds a ut_pex message addressed to the extended
// message ID the remote peer advertised for it in its own handshake.
func MessageExtendedPEX(remotePEXID byte, dict map[string]any) (*Message, error) {
	body, err := bencode.Marshal(dict)
	if err != nil {
		return nil, fmt.Errorf("wire: encode ut_pex payload: %w", err)
	}

	payload := make([]byte, 1+len(body))
	payload[0] = remotePEXID
	copy(payload[1:], body)

	return &Message{ID: MsgExtended, Payload: payload}, nil
}

// ParseExtendedHandshake decodes a BEP 10 handshake dictionary and extracts
// the ut_pex extended-message ID the remote advertised, if any.
func ParseExtendedHandshake(dict []byte) (pexID byte, hasPEX bool, yourIP []byte, err error) {
	v, err := bencode.Unmarshal(dict)
	if err != nil {
		return 0, false, nil, fmt.Errorf("wire: decode extended handshake: %w", err)
	}

	m, ok := v.(map[string]any)
	if !ok {
		return 0, false, nil, fmt.Errorf("wire: extended handshake is not a dictionary")
	}

	if ipField, ok := m["yourip"].(string); ok {
		yourIP = []byte(ipField)
	}

	mDict, ok := m["m"].(map[string]any)
	if !ok {
		return 0, false, yourIP, nil
	}

	idField, ok := mDict[ExtendedPEXName]
	if !ok {
		return 0, false, yourIP, nil
	}

	idInt, ok := idField.(int64)
	if !ok || idInt <= 0 || idInt > 255 {
		return 0, false, yourIP, nil
	}

	return byte(idInt), true, yourIP, nil
}
