package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	apperrors "rillcall/pkg/errors"
	"rillcall/pkg/validation"
)

// MaxMessageSize bounds a single signaling frame; SDP with many candidates stays well below it.
const MaxMessageSize = 64 * 1024

var constructors = map[Type]func() Message{
	TypeJoin:        func() Message { return &Join{} },
	TypeGetUsers:    func() Message { return &GetUsers{} },
	TypeUserList:    func() Message { return &UserList{} },
	TypeOffer:       func() Message { return &Offer{} },
	TypeCallCreated: func() Message { return &CallCreated{} },
	TypeAnswer:      func() Message { return &Answer{} },
	TypeCandidate:   func() Message { return &Candidate{} },
	TypeReject:      func() Message { return &Reject{} },
	TypeHangup:      func() Message { return &Hangup{} },
	TypeCheckUser:   func() Message { return &CheckUser{} },
	TypeUserStatus:  func() Message { return &UserStatus{} },
	TypeCallStats:   func() Message { return &CallStats{} },
	TypeError:       func() Message { return &Error{} },
}

// Decode parses and validates one frame. Any failure is a PROTOCOL_ERROR AppError.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageSize {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("message exceeds %d bytes", MaxMessageSize), nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperrors.NewProtocolError("malformed json", err)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, apperrors.NewProtocolError("missing type", nil)
	}
	var typ Type
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return nil, apperrors.NewProtocolError("type must be a string", err)
	}

	newMessage, ok := constructors[typ]
	if !ok {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("unknown message type %q", typ), nil).
			WithContext("type", string(typ))
	}

	msg := newMessage()
	for _, key := range msg.required() {
		raw, present := fields[key]
		if !present || bytes.Equal(raw, []byte("null")) {
			return nil, apperrors.NewProtocolError(fmt.Sprintf("%s: missing required field %q", typ, key), nil).
				WithContext("type", string(typ))
		}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("%s: invalid field", typ), err).
			WithContext("type", string(typ))
	}
	if err := msg.validate(); err != nil {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("%s: %v", typ, err), nil).
			WithContext("type", string(typ))
	}
	return msg, nil
}

// Encode serializes a message with its type discriminator.
func Encode(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type(), err)
	}
	typ, err := json.Marshal(msg.Type())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 10)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

func (*Join) required() []string        { return []string{"userId"} }
func (*GetUsers) required() []string    { return nil }
func (*UserList) required() []string    { return []string{"users"} }
func (*Offer) required() []string       { return []string{"from", "to", "sdp", "isVideoCall"} }
func (*CallCreated) required() []string { return []string{"callId", "from", "to"} }
func (*Answer) required() []string      { return []string{"from", "to", "sdp", "callId"} }
func (*Candidate) required() []string   { return []string{"from", "to", "candidate"} }
func (*Reject) required() []string      { return []string{"from", "to", "callId"} }
func (*Hangup) required() []string      { return []string{"from", "to", "callId"} }
func (*CheckUser) required() []string   { return []string{"userId"} }
func (*UserStatus) required() []string  { return []string{"userId", "online"} }
func (*Error) required() []string       { return []string{"message"} }

func (*CallStats) required() []string {
	return []string{
		"callId", "caller", "callee", "isVideo", "duration", "totalSamples",
		"avgSendBitrateKbps", "avgReceiveBitrateKbps", "avgPacketLossPercent", "avgRttMs",
		"totalDataUsedBytes", "qualityDistribution", "samples",
	}
}

func nonEmpty(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%s must not be empty", pairs[i])
		}
	}
	return nil
}

func (m *Join) validate() error     { return validation.ValidateUserID(m.UserID) }
func (m *GetUsers) validate() error { return nil }
func (m *UserList) validate() error { return nil }

func (m *Offer) validate() error {
	return nonEmpty("from", m.From, "to", m.To, "sdp", m.SDP)
}

func (m *CallCreated) validate() error {
	return nonEmpty("callId", m.CallID, "from", m.From, "to", m.To)
}

func (m *Answer) validate() error {
	return nonEmpty("from", m.From, "to", m.To, "sdp", m.SDP, "callId", m.CallID)
}

func (m *Candidate) validate() error {
	if err := nonEmpty("from", m.From, "to", m.To); err != nil {
		return err
	}
	if m.Candidate.Candidate == "" {
		return fmt.Errorf("candidate.candidate must not be empty")
	}
	if m.Candidate.SDPMid == nil && m.Candidate.SDPMLineIndex == nil {
		return fmt.Errorf("candidate needs sdpMid or sdpMLineIndex")
	}
	return nil
}

func (m *Reject) validate() error {
	return nonEmpty("from", m.From, "to", m.To, "callId", m.CallID)
}

func (m *Hangup) validate() error {
	return nonEmpty("from", m.From, "to", m.To, "callId", m.CallID)
}

func (m *CheckUser) validate() error  { return nonEmpty("userId", m.UserID) }
func (m *UserStatus) validate() error { return nonEmpty("userId", m.UserID) }
func (m *Error) validate() error      { return nil }

func (m *CallStats) validate() error {
	if err := nonEmpty("callId", m.CallID, "caller", m.Caller, "callee", m.Callee); err != nil {
		return err
	}
	if m.TotalSamples < 0 || m.Duration < 0 || m.TotalDataUsedBytes < 0 {
		return fmt.Errorf("counters must not be negative")
	}
	return nil
}
