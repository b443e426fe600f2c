// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package confab

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/creachadair/confab/wire"
)

// A PDU is the protocol data unit exchanged between a chat client and the
// server. A single envelope type carries all message kinds; fields that do
// not apply to a particular type are zero.
type PDU struct {
	Type      PDUType
	User      string // the logical subject (who logged in/out, who chats)
	EventUser string // on confirms, the client whose event is being answered
	ClientID  string // correlation identifier chosen by the client
	ServerID  string // correlation identifier chosen by the serving worker
	Sequence  uint64 // per-client request counter
	Message   string // chat text payload
	Clients   []string
	// ServerTime is the server-side processing latency for a request, filled
	// in just before the response is sent.
	ServerTime time.Duration
	Status     Status
	Error      ErrorCode

	// Session statistics, carried on logout and chat responses.
	ReceivedMessages uint64
	SentEvents       uint64
	ReceivedConfirms uint64
	LostConfirms     uint64 // confirmations written off by forced removals
	Retries          uint64 // reserved for unreliable transports, always 0
}

// Encode encodes p in binary format.
func (p *PDU) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 64+len(p.Message)))
	if _, err := p.WriteTo(buf); err != nil {
		panic(fmt.Errorf("encoding PDU: %w", err))
	}
	return buf.Bytes()
}

// encodePayload encodes the fields of p after the fixed header.
func (p *PDU) encodePayload() []byte {
	var b wire.Builder
	b.PutString(p.User)
	b.PutString(p.EventUser)
	b.PutString(p.ClientID)
	b.PutString(p.ServerID)
	b.Uint64(p.Sequence)
	b.PutString(p.Message)
	b.Vint30(uint32(len(p.Clients)))
	for _, c := range p.Clients {
		b.PutString(c)
	}
	b.Uint64(uint64(p.ServerTime))
	b.Byte(byte(p.Status))
	b.Byte(byte(p.Error))
	b.Uint64(p.ReceivedMessages)
	b.Uint64(p.SentEvents)
	b.Uint64(p.ReceivedConfirms)
	b.Uint64(p.LostConfirms)
	b.Uint64(p.Retries)
	return b.Bytes()
}

// WriteTo writes the PDU to w in binary format. It satisfies io.WriterTo.
func (p *PDU) WriteTo(w io.Writer) (int64, error) {
	payload := p.encodePayload()
	hdr := [8]byte{'C', 'F', 0, byte(p.Type)}
	hdr[4] = byte(len(payload) >> 24)
	hdr[5] = byte(len(payload) >> 16)
	hdr[6] = byte(len(payload) >> 8)
	hdr[7] = byte(len(payload))
	nw, err := w.Write(hdr[:])
	if err == nil {
		var np int
		np, err = w.Write(payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a PDU from r in binary format. It satisfies io.ReaderFrom.
func (p *PDU) ReadFrom(r io.Reader) (int64, error) {
	var hdr [8]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short PDU header: %w", err)
	}
	if tag := string(hdr[:3]); tag != "CF\x00" {
		return int64(nr), fmt.Errorf("invalid protocol version %q", tag)
	}
	psize := int(hdr[4])<<24 | int(hdr[5])<<16 | int(hdr[6])<<8 | int(hdr[7])
	payload := make([]byte, psize)
	np, err := io.ReadFull(r, payload)
	nr += np
	if err != nil {
		return int64(nr), fmt.Errorf("short payload: %w", err)
	}
	if err := p.decodePayload(PDUType(hdr[3]), payload); err != nil {
		return int64(nr), err
	}
	return int64(nr), nil
}

// Decode decodes data as a complete binary PDU into p.
func (p *PDU) Decode(data []byte) error {
	_, err := p.ReadFrom(bytes.NewReader(data))
	return err
}

func (p *PDU) decodePayload(ptype PDUType, payload []byte) (err error) {
	s := wire.NewScanner(payload)
	p.Type = ptype
	if p.User, err = s.String(); err != nil {
		return fmt.Errorf("user: %w", err)
	}
	if p.EventUser, err = s.String(); err != nil {
		return fmt.Errorf("event user: %w", err)
	}
	if p.ClientID, err = s.String(); err != nil {
		return fmt.Errorf("client ID: %w", err)
	}
	if p.ServerID, err = s.String(); err != nil {
		return fmt.Errorf("server ID: %w", err)
	}
	if p.Sequence, err = s.Uint64(); err != nil {
		return fmt.Errorf("sequence: %w", err)
	}
	if p.Message, err = s.String(); err != nil {
		return fmt.Errorf("message: %w", err)
	}
	nc, err := s.Vint30()
	if err != nil {
		return fmt.Errorf("client count: %w", err)
	}
	p.Clients = nil
	for range nc {
		c, err := s.String()
		if err != nil {
			return fmt.Errorf("client name: %w", err)
		}
		p.Clients = append(p.Clients, c)
	}
	st, err := s.Uint64()
	if err != nil {
		return fmt.Errorf("server time: %w", err)
	}
	p.ServerTime = time.Duration(st)
	sb, err := s.Byte()
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if sb > byte(Unregistering) {
		return fmt.Errorf("invalid status %d", sb)
	}
	p.Status = Status(sb)
	eb, err := s.Byte()
	if err != nil {
		return fmt.Errorf("error code: %w", err)
	}
	if eb > byte(LoginError) {
		return fmt.Errorf("invalid error code %d", eb)
	}
	p.Error = ErrorCode(eb)
	for _, f := range []*uint64{
		&p.ReceivedMessages, &p.SentEvents, &p.ReceivedConfirms, &p.LostConfirms, &p.Retries,
	} {
		if *f, err = s.Uint64(); err != nil {
			return fmt.Errorf("counters: %w", err)
		}
	}
	if s.Len() != 0 {
		return fmt.Errorf("%d bytes of trailing garbage", s.Len())
	}
	return nil
}

// String returns a human-friendly rendering of the PDU.
func (p *PDU) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "PDU(%v, user=%q", p.Type, p.User)
	if p.EventUser != "" {
		fmt.Fprintf(&buf, ", event=%q", p.EventUser)
	}
	if p.Sequence != 0 {
		fmt.Fprintf(&buf, ", seq=%d", p.Sequence)
	}
	if p.Message != "" {
		fmt.Fprintf(&buf, ", msg=%q", p.Message)
	}
	if len(p.Clients) != 0 {
		fmt.Fprintf(&buf, ", clients=%v", p.Clients)
	}
	if p.Error != NoError {
		fmt.Fprintf(&buf, ", err=%v", p.Error)
	}
	fmt.Fprintf(&buf, ", %v)", p.Status)
	return buf.String()
}

// PDUType describes the kind of a chat protocol message.
type PDUType byte

const (
	TypeInvalid PDUType = iota

	TypeLoginRequest
	TypeLoginResponse
	TypeLogoutRequest
	TypeLogoutResponse
	TypeChatRequest
	TypeChatResponse
	TypeChatEvent
	TypeLoginEvent
	TypeLogoutEvent
	TypeChatEventConfirm
	TypeLoginEventConfirm
	TypeLogoutEventConfirm
)

func (t PDUType) String() string {
	switch t {
	case TypeLoginRequest:
		return "LOGIN_REQUEST"
	case TypeLoginResponse:
		return "LOGIN_RESPONSE"
	case TypeLogoutRequest:
		return "LOGOUT_REQUEST"
	case TypeLogoutResponse:
		return "LOGOUT_RESPONSE"
	case TypeChatRequest:
		return "CHAT_REQUEST"
	case TypeChatResponse:
		return "CHAT_RESPONSE"
	case TypeChatEvent:
		return "CHAT_EVENT"
	case TypeLoginEvent:
		return "LOGIN_EVENT"
	case TypeLogoutEvent:
		return "LOGOUT_EVENT"
	case TypeChatEventConfirm:
		return "CHAT_EVENT_CONFIRM"
	case TypeLoginEventConfirm:
		return "LOGIN_EVENT_CONFIRM"
	case TypeLogoutEventConfirm:
		return "LOGOUT_EVENT_CONFIRM"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// Status is the conversation status of a client, tracked symmetrically by the
// client session and the server-side registry entry.
//
// The only legal cycle is:
//
//	Unregistered → Registering → Registered → Unregistering → Unregistered
type Status byte

const (
	Unregistered Status = iota // not logged in
	Registering                // login in progress
	Registered                 // logged in
	Unregistering              // logout in progress
)

func (s Status) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Registering:
		return "REGISTERING"
	case Registered:
		return "REGISTERED"
	case Unregistering:
		return "UNREGISTERING"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// ErrorCode describes a protocol-level error reported in a response PDU.
type ErrorCode byte

const (
	NoError    ErrorCode = 0 // no error
	LoginError ErrorCode = 1 // username already registered
)

func (c ErrorCode) String() string {
	switch c {
	case NoError:
		return "NO_ERROR"
	case LoginError:
		return "LOGIN_ERROR"
	default:
		return fmt.Sprintf("error code %d", byte(c))
	}
}
