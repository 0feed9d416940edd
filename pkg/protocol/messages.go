// Package protocol is the JSON signaling wire format shared by the relay and its clients.
//
// Every message is a JSON object with a "type" discriminator. The set of variants is
// closed: Decode only ever returns one of the types declared here, and each one is
// field-validated before it is handed to a dispatcher.
package protocol

import (
	"github.com/pion/webrtc/v3"
)

// Type is the value of the "type" discriminator.
type Type string

const (
	TypeJoin        Type = "join"
	TypeGetUsers    Type = "getUsers"
	TypeUserList    Type = "userList"
	TypeOffer       Type = "offer"
	TypeCallCreated Type = "callCreated"
	TypeAnswer      Type = "answer"
	TypeCandidate   Type = "candidate"
	TypeReject      Type = "reject"
	TypeHangup      Type = "hangup"
	TypeCheckUser   Type = "checkUser"
	TypeUserStatus  Type = "userStatus"
	TypeCallStats   Type = "callStats"
	TypeError       Type = "error"
)

// Message is implemented only by the variants in this package.
type Message interface {
	Type() Type
	required() []string
	validate() error
}

// Routed is a message addressed from one user to another through the relay.
type Routed interface {
	Message
	Sender() string
	Recipient() string
}

type Join struct {
	UserID string `json:"userId"`
}

type GetUsers struct{}

type UserList struct {
	Users []string `json:"users"`
}

type Offer struct {
	From        string `json:"from"`
	To          string `json:"to"`
	SDP         string `json:"sdp"`
	IsVideoCall bool   `json:"isVideoCall"`
	CallID      string `json:"callId,omitempty"`
}

// CallCreated tells the caller which call id the relay allocated for its offer.
type CallCreated struct {
	CallID string `json:"callId"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type Answer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	SDP    string `json:"sdp"`
	CallID string `json:"callId"`
}

type Candidate struct {
	From      string                  `json:"from"`
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CallID    string                  `json:"callId,omitempty"`
}

type Reject struct {
	From   string `json:"from"`
	To     string `json:"to"`
	CallID string `json:"callId"`
}

type Hangup struct {
	From   string `json:"from"`
	To     string `json:"to"`
	CallID string `json:"callId"`
}

type CheckUser struct {
	UserID string `json:"userId"`
}

type UserStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type QualityDistribution struct {
	Good     int `json:"good"`
	Moderate int `json:"moderate"`
	Poor     int `json:"poor"`
}

// StatsSample is one saved telemetry snapshot. Timestamp is unix milliseconds.
type StatsSample struct {
	Timestamp          int64   `json:"timestamp"`
	SendBitrateKbps    float64 `json:"sendBitrateKbps"`
	ReceiveBitrateKbps float64 `json:"receiveBitrateKbps"`
	PacketLossPercent  float64 `json:"packetLossPercent"`
	RTTMs              float64 `json:"rttMs"`
	JitterMs           float64 `json:"jitterMs"`
	Score              float64 `json:"score"`
	Quality            string  `json:"quality"`
	Rung               int     `json:"rung"`
}

type CallStats struct {
	CallID                string              `json:"callId"`
	Caller                string              `json:"caller"`
	Callee                string              `json:"callee"`
	IsVideo               bool                `json:"isVideo"`
	Duration              float64             `json:"duration"`
	TotalSamples          int                 `json:"totalSamples"`
	AvgSendBitrateKbps    float64             `json:"avgSendBitrateKbps"`
	AvgReceiveBitrateKbps float64             `json:"avgReceiveBitrateKbps"`
	AvgPacketLossPercent  float64             `json:"avgPacketLossPercent"`
	AvgRTTMs              float64             `json:"avgRttMs"`
	TotalDataUsedBytes    int64               `json:"totalDataUsedBytes"`
	QualityDistribution   QualityDistribution `json:"qualityDistribution"`
	Samples               []StatsSample       `json:"samples"`
}

// Error is sent by the relay when it refuses a message.
type Error struct {
	Message string `json:"message"`
}

func (*Join) Type() Type        { return TypeJoin }
func (*GetUsers) Type() Type    { return TypeGetUsers }
func (*UserList) Type() Type    { return TypeUserList }
func (*Offer) Type() Type       { return TypeOffer }
func (*CallCreated) Type() Type { return TypeCallCreated }
func (*Answer) Type() Type      { return TypeAnswer }
func (*Candidate) Type() Type   { return TypeCandidate }
func (*Reject) Type() Type      { return TypeReject }
func (*Hangup) Type() Type      { return TypeHangup }
func (*CheckUser) Type() Type   { return TypeCheckUser }
func (*UserStatus) Type() Type  { return TypeUserStatus }
func (*CallStats) Type() Type   { return TypeCallStats }
func (*Error) Type() Type       { return TypeError }

func (m *Offer) Sender() string        { return m.From }
func (m *Offer) Recipient() string     { return m.To }
func (m *Answer) Sender() string       { return m.From }
func (m *Answer) Recipient() string    { return m.To }
func (m *Candidate) Sender() string    { return m.From }
func (m *Candidate) Recipient() string { return m.To }
func (m *Reject) Sender() string       { return m.From }
func (m *Reject) Recipient() string    { return m.To }
func (m *Hangup) Sender() string       { return m.From }
func (m *Hangup) Recipient() string    { return m.To }
