// Package protocol defines the bus subjects and JSON payload shapes
// exchanged between room servers and discovery nodes.
package protocol

import "encoding/json"

// Bus subjects shared by every room server and discovery node.
const (
	SubjectPing      = "ping"
	SubjectStop      = "rs.stop"
	SubjectEvent     = "rs.event"
	SubjectBroadcast = "broadcast"

	roomsSubjectPrefix = "rooms."
)

// RoomsSubject returns the request/reply subject on which the room server
// identified by publicURL answers room-list requests.
func RoomsSubject(publicURL string) string {
	return roomsSubjectPrefix + publicURL
}

// EventSubject discriminates rs.event payloads.
type EventSubject string

const (
	EventNewRoom     EventSubject = "newRoom"
	EventRoomRemoved EventSubject = "roomRemoved"
	EventRoomJoined  EventSubject = "roomJoined"
	EventRoomLeft    EventSubject = "roomLeft"
)

// ClientSummary is the minimal projection of a connected client that is
// allowed to leave its room server.
type ClientSummary struct {
	ID         string          `json:"id"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// RoomSummary is the wire projection of a room, keyed set of client
// summaries included. Clients may be empty when the owning server does not
// sync client rosters.
type RoomSummary struct {
	ID         string                   `json:"id"`
	PublicURL  string                   `json:"publicUrl"`
	Clients    map[string]ClientSummary `json:"clients"`
	Properties json.RawMessage          `json:"properties,omitempty"`
}

// Ping is published by every room server once per second. Reset is set on
// the very first ping after startup so discovery nodes discard any stale
// mirror of the same publicUrl.
type Ping struct {
	PublicURL   string `json:"publicUrl"`
	ClientCount int    `json:"clientCount"`
	Reset       bool   `json:"reset,omitempty"`
}

// ServerEvent is published on rs.event for every room or client lifecycle
// change. Properties is only present for newRoom; Client only for
// roomJoined and roomLeft.
type ServerEvent struct {
	PublicURL  string          `json:"publicUrl"`
	RoomID     string          `json:"roomId"`
	Subject    EventSubject    `json:"subject"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Client     *ClientSummary  `json:"client,omitempty"`
}

// ErrorEnvelope is sent to a WebSocket client before the socket is closed
// on any rejection.
type ErrorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Rejection reasons used in ErrorEnvelope.Error.
const (
	ErrAuthenticationFailed = "Authentication Failed"
)

// Rejection messages surfaced to clients.
const (
	MsgWrongServer      = "The authentication token is intended for another room server."
	MsgAlreadyConnected = "You are already connected to this room."
	MsgRoomDoesNotExist = "The room does not exist."
	MsgServerStopping   = "The room server is shutting down."
)

// EncodeStop encodes the rs.stop payload, which is the bare publicUrl as a
// JSON string.
func EncodeStop(publicURL string) ([]byte, error) {
	return json.Marshal(publicURL)
}

// DecodeStop decodes an rs.stop payload.
func DecodeStop(data []byte) (string, error) {
	var publicURL string
	err := json.Unmarshal(data, &publicURL)
	return publicURL, err
}
