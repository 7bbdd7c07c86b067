// Package wire implements the JSON envelope used by every transport: a
// {header, payload} pair carrying a namespace, method, message id and an
// advisory MD5 signature. See meross_lan's merossclient package, whose
// header/signature layout this mirrors.
package wire

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Method is one of the six message verbs the protocol supports.
type Method string

const (
	MethodGet    Method = "GET"
	MethodSet    Method = "SET"
	MethodPush   Method = "PUSH"
	MethodGetAck Method = "GETACK"
	MethodSetAck Method = "SETACK"
	MethodError  Method = "ERROR"
)

// Namespace is a dotted protocol surface name, e.g. "Appliance.System.All".
type Namespace string

const (
	NamespaceSystemAll        Namespace = "Appliance.System.All"
	NamespaceSystemAbility    Namespace = "Appliance.System.Ability"
	NamespaceSystemDebug      Namespace = "Appliance.System.Debug"
	NamespaceSystemOnline     Namespace = "Appliance.System.Online"
	NamespaceSystemClock      Namespace = "Appliance.System.Clock"
	NamespaceSystemTime       Namespace = "Appliance.System.Time"
	NamespaceSystemDNDMode    Namespace = "Appliance.System.DNDMode"
	NamespaceSystemRuntime    Namespace = "Appliance.System.Runtime"
	NamespaceControlMultiple  Namespace = "Appliance.Control.Multiple"
	NamespaceControlBind      Namespace = "Appliance.Control.Bind"
	NamespaceControlUnbind    Namespace = "Appliance.Control.Unbind"
	NamespaceConfigKey        Namespace = "Appliance.Config.Key"
)

// ErrorCode identifies a protocol-level ERROR payload.code value.
type ErrorCode int

const (
	ErrorInvalidKey ErrorCode = 5001
)

// Header is the fixed set of envelope metadata fields.
type Header struct {
	MessageId      string    `json:"messageId"`
	Namespace      Namespace `json:"namespace"`
	Method         Method    `json:"method"`
	PayloadVersion int       `json:"payloadVersion"`
	From           string    `json:"from"`
	Timestamp      int64     `json:"timestamp"`
	TimestampMs    int       `json:"timestampMs"`
	Sign           string    `json:"sign"`
}

// Envelope is the full wire message: header plus an opaque payload body.
type Envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// ErrorPayload is the shape of payload.error on a METHOD_ERROR reply.
type ErrorPayload struct {
	Error struct {
		Code ErrorCode `json:"code"`
	} `json:"error"`
}

// Sign computes the advisory MD5 signature: md5(messageId ‖ key ‖ timestamp).
func Sign(messageId, key string, timestamp int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%s%d", messageId, key, timestamp)))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether header.Sign matches the signature computed from
// key. Mismatches are advisory only — some firmwares sign incorrectly — so
// callers must log, not drop, on failure.
func Verify(h Header, key string) bool {
	return h.Sign == Sign(h.MessageId, key, h.Timestamp)
}

func newMessageId() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Build constructs a fully populated, signed envelope ready to send.
func Build(namespace Namespace, method Method, payload any, key, from string) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: marshal payload: %w", err)
	}
	messageId := newMessageId()
	timestamp := time.Now().Unix()
	return Envelope{
		Header: Header{
			MessageId:      messageId,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			From:           from,
			Timestamp:      timestamp,
			TimestampMs:    0,
			Sign:           Sign(messageId, key, timestamp),
		},
		Payload: body,
	}, nil
}

// Marshal serializes an envelope to its wire JSON form.
func Marshal(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a wire JSON body into an Envelope. It does not verify the
// signature; call Verify separately (verification is advisory, see above).
func Parse(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// DeviceIDFromFrom extracts the device id from a header.from topic of the
// form "/appliance/<device-id>/publish", splitting on '/' and taking index 2.
func DeviceIDFromFrom(from string) string {
	parts := strings.Split(from, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// ReplyTopic is the canonical form of the inbound publish topic for a
// device id, which a broker connection subscribes to when a device is
// attached. Outbound requests carry "/app/self/publish" as their `from`,
// not this topic.
func ReplyTopic(deviceID string) string {
	return "/appliance/" + deviceID + "/publish"
}

// SubscribeTopic is the topic a device listens on for inbound commands.
func SubscribeTopic(deviceID string) string {
	return "/appliance/" + deviceID + "/subscribe"
}

// ErrorCode returns payload.error.code of a METHOD_ERROR envelope. The
// boolean is false for any other method or an unparseable payload; any
// code is returned, not only ErrorInvalidKey.
func (e Envelope) ErrorCode() (ErrorCode, bool) {
	if e.Header.Method != MethodError {
		return 0, false
	}
	var ep ErrorPayload
	if err := json.Unmarshal(e.Payload, &ep); err != nil {
		return 0, false
	}
	return ep.Error.Code, true
}
