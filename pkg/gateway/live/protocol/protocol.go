package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// HelloIdentity is the caller's identity signal. Either a verified
// token with phone claims or a bare phone number; the token wins when
// both are present.
type HelloIdentity struct {
	Token string `json:"token,omitempty"`
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	SessionType     string        `json:"session_type"`
	Identity        HelloIdentity `json:"identity"`
}

// RedactedForLog drops the identity payload; token and phone never
// reach the access log.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"session_type":     h.SessionType,
		"has_token":        strings.TrimSpace(h.Identity.Token) != "",
		"has_phone":        strings.TrimSpace(h.Identity.Phone) != "",
	}
}

type ClientSessionResume struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	TokensUsed      int64  `json:"tokens_used"`
}

type ClientUtterance struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "session_resume":
		var msg ClientSessionResume
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_resume frame", "")
		}
		if strings.TrimSpace(msg.ProtocolVersion) == "" {
			return nil, badRequest("session_resume.protocol_version is required", "protocol_version")
		}
		if msg.ProtocolVersion != ProtocolVersion1 {
			return nil, unsupported("unsupported protocol version", "protocol_version")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badRequest("session_resume.session_id is required", "session_id")
		}
		if msg.TokensUsed < 0 {
			return nil, badRequest("session_resume.tokens_used must be >= 0", "tokens_used")
		}
		return msg, nil
	case "utterance":
		var msg ClientUtterance
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid utterance frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("utterance.text is required", "text")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	sessionType := strings.TrimSpace(msg.SessionType)
	if sessionType == "" {
		return badRequest("hello.session_type is required", "session_type")
	}
	switch sessionType {
	case "discovery", "pitch", "objection":
	default:
		return unsupported("unsupported session type", "session_type")
	}
	if strings.TrimSpace(msg.Identity.Token) == "" && strings.TrimSpace(msg.Identity.Phone) == "" {
		return badRequest("hello.identity requires a token or phone", "identity")
	}
	return nil
}

type ServerSessionInit struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	SessionType     string `json:"session_type"`
	Resumed         bool   `json:"resumed,omitempty"`
	NewUser         bool   `json:"new_user,omitempty"`
}

type ServerAssistantText struct {
	Type      string `json:"type"`
	TurnIndex int    `json:"turn_index"`
	Text      string `json:"text"`
}

// ServerTokenUsage mirrors the quota snapshot after every charged
// turn. Coins are fractional and never rounded up to the ceiling.
type ServerTokenUsage struct {
	Type            string  `json:"type"`
	TokensUsed      int64   `json:"tokens_used"`
	MaxTokens       int64   `json:"max_tokens"`
	TokensRemaining int64   `json:"tokens_remaining"`
	CoinsUsed       float64 `json:"coins_used"`
	CoinsRemaining  float64 `json:"coins_remaining"`
	MaxCoins        int64   `json:"max_coins"`
	TokensPerCoin   float64 `json:"tokens_per_coin"`
}

type ServerTokenLimitExceeded struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ServerSessionEnded struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Param     string `json:"param,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}
