package paychan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gcash/bchd/wire"
)

// byteOrder is the wire byte order for fixed-width fields, matching the
// convention used throughout this ecosystem's hand-written binary codecs.
var byteOrder = binary.BigEndian

// protocolVersion is passed through to the bchd/wire var-length helpers.
// It is not a channel protocol version (that's ClientVersion/ServerVersion
// below) — it only selects wire-helper behavior, and this protocol has
// exactly one wire encoding, so it is always 0.
const protocolVersion = 0

// maxTxSize bounds how large a serialized transaction we'll accept off the
// wire, generous enough for any realistic contract/refund/payment tx.
const maxTxSize = 1 << 20 // 1 MiB

// maxExplanationLen bounds the free-text Error.Explanation field.
const maxExplanationLen = 4096

// MessageType is the one-byte tag identifying a wire message's concrete
// type, in the style of lnwire.MessageType's dispatch switch.
type MessageType uint8

const (
	MsgTypeClientVersion MessageType = iota
	MsgTypeServerVersion
	MsgTypeInitiate
	MsgTypeProvideRefund
	MsgTypeReturnRefund
	MsgTypeProvideContract
	MsgTypeChannelOpen
	MsgTypeUpdatePayment
	MsgTypePaymentAck
	MsgTypeClose
	MsgTypeError
)

// Message is a protocol envelope variant. Every variant knows how
// to encode/decode its own payload; the type tag is handled by
// WriteMessage/ReadMessage, not by Encode/Decode themselves.
type Message interface {
	MsgType() MessageType
	Encode(w io.Writer) error
	Decode(r io.Reader) error
}

func makeEmptyMessage(t MessageType) (Message, error) {
	switch t {
	case MsgTypeClientVersion:
		return &ClientVersion{}, nil
	case MsgTypeServerVersion:
		return &ServerVersion{}, nil
	case MsgTypeInitiate:
		return &Initiate{}, nil
	case MsgTypeProvideRefund:
		return &ProvideRefund{}, nil
	case MsgTypeReturnRefund:
		return &ReturnRefund{}, nil
	case MsgTypeProvideContract:
		return &ProvideContract{}, nil
	case MsgTypeChannelOpen:
		return &ChannelOpen{}, nil
	case MsgTypeUpdatePayment:
		return &UpdatePayment{}, nil
	case MsgTypePaymentAck:
		return &PaymentAck{}, nil
	case MsgTypeClose:
		return &Close{}, nil
	case MsgTypeError:
		return &ErrorMsg{}, nil
	default:
		return nil, fmt.Errorf("paychan: unknown message type %d", t)
	}
}

// WriteMessage writes the 1-byte type tag followed by msg's encoded
// payload, mirroring lnwire.WriteMessage's framing.
func WriteMessage(w io.Writer, msg Message) error {
	var bw bytes.Buffer
	if err := msg.Encode(&bw); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(msg.MsgType())}); err != nil {
		return err
	}
	_, err := w.Write(bw.Bytes())
	return err
}

// ReadMessage reads a 1-byte type tag and dispatches to the matching
// concrete type's Decode, mirroring lnwire.ReadMessage.
func ReadMessage(r io.Reader) (Message, error) {
	var tByte [1]byte
	if _, err := io.ReadFull(r, tByte[:]); err != nil {
		return nil, err
	}
	msg, err := makeEmptyMessage(MessageType(tByte[0]))
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return msg, nil
}

// writeOptionalHash writes a presence byte followed by 32 bytes if
// present, for optional hash fields like PreviousChannelContractHash.
func writeOptionalHash(w io.Writer, h *[32]byte) error {
	if h == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	_, err := w.Write(h[:])
	return err
}

func readOptionalHash(r io.Reader) (*[32]byte, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	var h [32]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	return &h, nil
}

func writeOptionalBytes(w io.Writer, b []byte) error {
	if b == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, protocolVersion, b)
}

func readOptionalBytes(r io.Reader, maxAllowed uint32, field string) ([]byte, error) {
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return nil, err
	}
	if present[0] == 0 {
		return nil, nil
	}
	return wire.ReadVarBytes(r, protocolVersion, maxAllowed, field)
}

// ClientVersion is the client's opening message.
type ClientVersion struct {
	Major                       uint8
	Minor                       uint8
	TimeWindowSecs              uint32
	PreviousChannelContractHash *[32]byte
}

func (m *ClientVersion) MsgType() MessageType { return MsgTypeClientVersion }

func (m *ClientVersion) Encode(w io.Writer) error {
	if err := binary.Write(w, byteOrder, m.Major); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, m.Minor); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, m.TimeWindowSecs); err != nil {
		return err
	}
	return writeOptionalHash(w, m.PreviousChannelContractHash)
}

func (m *ClientVersion) Decode(r io.Reader) error {
	if err := binary.Read(r, byteOrder, &m.Major); err != nil {
		return err
	}
	if err := binary.Read(r, byteOrder, &m.Minor); err != nil {
		return err
	}
	if err := binary.Read(r, byteOrder, &m.TimeWindowSecs); err != nil {
		return err
	}
	h, err := readOptionalHash(r)
	if err != nil {
		return err
	}
	m.PreviousChannelContractHash = h
	return nil
}

// ServerVersion echoes the negotiated major/minor.
type ServerVersion struct {
	Major uint8
	Minor uint8
}

func (m *ServerVersion) MsgType() MessageType { return MsgTypeServerVersion }

func (m *ServerVersion) Encode(w io.Writer) error {
	if err := binary.Write(w, byteOrder, m.Major); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, m.Minor)
}

func (m *ServerVersion) Decode(r io.Reader) error {
	if err := binary.Read(r, byteOrder, &m.Major); err != nil {
		return err
	}
	return binary.Read(r, byteOrder, &m.Minor)
}

// Initiate carries the server's proposed channel parameters.
type Initiate struct {
	MultisigKey            []byte
	MinAcceptedChannelSize uint64
	ExpireTimeSecs         uint64
	MinPayment             uint64
}

func (m *Initiate) MsgType() MessageType { return MsgTypeInitiate }

func (m *Initiate) Encode(w io.Writer) error {
	if err := wire.WriteVarBytes(w, protocolVersion, m.MultisigKey); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, m.MinAcceptedChannelSize); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, m.ExpireTimeSecs); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, m.MinPayment)
}

func (m *Initiate) Decode(r io.Reader) error {
	key, err := wire.ReadVarBytes(r, protocolVersion, 65, "multisig_key")
	if err != nil {
		return err
	}
	m.MultisigKey = key
	if err := binary.Read(r, byteOrder, &m.MinAcceptedChannelSize); err != nil {
		return err
	}
	if err := binary.Read(r, byteOrder, &m.ExpireTimeSecs); err != nil {
		return err
	}
	return binary.Read(r, byteOrder, &m.MinPayment)
}

// ProvideRefund is sent by the client in the V1 path.
type ProvideRefund struct {
	MultisigKey   []byte
	RefundTxBytes []byte
}

func (m *ProvideRefund) MsgType() MessageType { return MsgTypeProvideRefund }

func (m *ProvideRefund) Encode(w io.Writer) error {
	if err := wire.WriteVarBytes(w, protocolVersion, m.MultisigKey); err != nil {
		return err
	}
	return wire.WriteVarBytes(w, protocolVersion, m.RefundTxBytes)
}

func (m *ProvideRefund) Decode(r io.Reader) error {
	key, err := wire.ReadVarBytes(r, protocolVersion, 65, "multisig_key")
	if err != nil {
		return err
	}
	m.MultisigKey = key
	tx, err := wire.ReadVarBytes(r, protocolVersion, maxTxSize, "refund_tx_bytes")
	if err != nil {
		return err
	}
	m.RefundTxBytes = tx
	return nil
}

// ReturnRefund carries the server's refund signature (V1 only).
type ReturnRefund struct {
	Signature []byte
}

func (m *ReturnRefund) MsgType() MessageType { return MsgTypeReturnRefund }

func (m *ReturnRefund) Encode(w io.Writer) error {
	return wire.WriteVarBytes(w, protocolVersion, m.Signature)
}

func (m *ReturnRefund) Decode(r io.Reader) error {
	sig, err := wire.ReadVarBytes(r, protocolVersion, 80, "signature")
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// ProvideContract is sent by the client once the contract is ready to be
// broadcast by the server.
type ProvideContract struct {
	ContractTxBytes []byte
	ClientKey       []byte // optional, present on V2 (nil-able)
	InitialPayment  uint64
}

func (m *ProvideContract) MsgType() MessageType { return MsgTypeProvideContract }

func (m *ProvideContract) Encode(w io.Writer) error {
	if err := wire.WriteVarBytes(w, protocolVersion, m.ContractTxBytes); err != nil {
		return err
	}
	if err := writeOptionalBytes(w, m.ClientKey); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, m.InitialPayment)
}

func (m *ProvideContract) Decode(r io.Reader) error {
	tx, err := wire.ReadVarBytes(r, protocolVersion, maxTxSize, "contract_tx_bytes")
	if err != nil {
		return err
	}
	m.ContractTxBytes = tx
	key, err := readOptionalBytes(r, 65, "client_key")
	if err != nil {
		return err
	}
	m.ClientKey = key
	return binary.Read(r, byteOrder, &m.InitialPayment)
}

// ChannelOpen has no payload: its arrival is itself the signal.
type ChannelOpen struct{}

func (m *ChannelOpen) MsgType() MessageType     { return MsgTypeChannelOpen }
func (m *ChannelOpen) Encode(w io.Writer) error { return nil }
func (m *ChannelOpen) Decode(r io.Reader) error { return nil }

// UpdatePayment carries a new client-signed payment transaction.
type UpdatePayment struct {
	Signature         []byte
	ClientChangeValue uint64
	Info              []byte // optional
}

func (m *UpdatePayment) MsgType() MessageType { return MsgTypeUpdatePayment }

func (m *UpdatePayment) Encode(w io.Writer) error {
	if err := wire.WriteVarBytes(w, protocolVersion, m.Signature); err != nil {
		return err
	}
	if err := binary.Write(w, byteOrder, m.ClientChangeValue); err != nil {
		return err
	}
	return writeOptionalBytes(w, m.Info)
}

func (m *UpdatePayment) Decode(r io.Reader) error {
	sig, err := wire.ReadVarBytes(r, protocolVersion, 80, "signature")
	if err != nil {
		return err
	}
	m.Signature = sig
	if err := binary.Read(r, byteOrder, &m.ClientChangeValue); err != nil {
		return err
	}
	info, err := readOptionalBytes(r, maxExplanationLen, "info")
	if err != nil {
		return err
	}
	m.Info = info
	return nil
}

// PaymentAck acknowledges an UpdatePayment.
type PaymentAck struct {
	Info []byte // optional
}

func (m *PaymentAck) MsgType() MessageType { return MsgTypePaymentAck }

func (m *PaymentAck) Encode(w io.Writer) error {
	return writeOptionalBytes(w, m.Info)
}

func (m *PaymentAck) Decode(r io.Reader) error {
	info, err := readOptionalBytes(r, maxExplanationLen, "info")
	if err != nil {
		return err
	}
	m.Info = info
	return nil
}

// Close requests or confirms channel settlement.
type Close struct {
	SettlementTxBytes []byte // optional
}

func (m *Close) MsgType() MessageType { return MsgTypeClose }

func (m *Close) Encode(w io.Writer) error {
	return writeOptionalBytes(w, m.SettlementTxBytes)
}

func (m *Close) Decode(r io.Reader) error {
	tx, err := readOptionalBytes(r, maxTxSize, "settlement_tx")
	if err != nil {
		return err
	}
	m.SettlementTxBytes = tx
	return nil
}

// ErrorMsg is the wire Error variant. Named ErrorMsg, not Error, to
// avoid colliding with the error interface / Error() method convention.
type ErrorMsg struct {
	Code          ErrorCode
	Explanation   string
	ExpectedValue *int64 // optional, used for the *_TOO_LARGE "missing" figure
}

func (m *ErrorMsg) MsgType() MessageType { return MsgTypeError }

func (m *ErrorMsg) Encode(w io.Writer) error {
	if err := binary.Write(w, byteOrder, uint8(m.Code)); err != nil {
		return err
	}
	if err := wire.WriteVarString(w, protocolVersion, m.Explanation); err != nil {
		return err
	}
	if m.ExpectedValue == nil {
		_, err := w.Write([]byte{0})
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		return err
	}
	return binary.Write(w, byteOrder, *m.ExpectedValue)
}

func (m *ErrorMsg) Decode(r io.Reader) error {
	var code uint8
	if err := binary.Read(r, byteOrder, &code); err != nil {
		return err
	}
	m.Code = ErrorCode(code)
	explanation, err := wire.ReadVarString(r, protocolVersion)
	if err != nil {
		return err
	}
	m.Explanation = explanation
	var present [1]byte
	if _, err := io.ReadFull(r, present[:]); err != nil {
		return err
	}
	if present[0] == 0 {
		return nil
	}
	var v int64
	if err := binary.Read(r, byteOrder, &v); err != nil {
		return err
	}
	m.ExpectedValue = &v
	return nil
}
