package twilio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrMalformedEvent = errors.New("malformed media stream event")

// InboundEvent is one frame received from the media stream. The set of
// implementations is closed; dispatch with a type switch.
type InboundEvent interface {
	EventName() string
	inbound()
}

type ConnectedEvent struct {
	Protocol string
	Version  string
}

type StartEvent struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	CustomParameters map[string]string
	// UserData is an optional free-form payload some carriers attach instead
	// of custom parameters.
	UserData json.RawMessage
	Encoding string
}

type MediaEvent struct {
	StreamSID string
	Track     string
	Chunk     string
	Timestamp string
	Payload   string
}

type MarkEvent struct {
	StreamSID string
	Name      string
}

type DTMFEvent struct {
	StreamSID string
	Track     string
	Digit     string
}

type StopEvent struct {
	StreamSID string
	CallSID   string
}

// UnknownEvent carries any event name outside the known set.
type UnknownEvent struct {
	Name      string
	StreamSID string
}

func (ConnectedEvent) EventName() string { return "connected" }
func (StartEvent) EventName() string     { return "start" }
func (MediaEvent) EventName() string     { return "media" }
func (MarkEvent) EventName() string      { return "mark" }
func (DTMFEvent) EventName() string      { return "dtmf" }
func (StopEvent) EventName() string      { return "stop" }
func (e UnknownEvent) EventName() string { return e.Name }

func (ConnectedEvent) inbound() {}
func (StartEvent) inbound()     {}
func (MediaEvent) inbound()     {}
func (MarkEvent) inbound()      {}
func (DTMFEvent) inbound()      {}
func (StopEvent) inbound()      {}
func (UnknownEvent) inbound()   {}

// envelope mirrors the wire format of every inbound frame.
type envelope struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Protocol  string `json:"protocol"`
	Version   string `json:"version"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		AccountSid       string            `json:"accountSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters"`
		UserData         json.RawMessage   `json:"userData"`
		MediaFormat      struct {
			Encoding string `json:"encoding"`
		} `json:"mediaFormat"`
	} `json:"start"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	DTMF *struct {
		Track string `json:"track"`
		Digit string `json:"digit"`
	} `json:"dtmf"`
	Stop *struct {
		CallSid string `json:"callSid"`
	} `json:"stop"`
}

// DecodeEvent parses one inbound frame. Frames that are not JSON, lack an
// event name, or lack the body their event requires return ErrMalformedEvent.
func DecodeEvent(raw []byte) (InboundEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case "":
		return nil, fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	case "connected":
		return ConnectedEvent{Protocol: env.Protocol, Version: env.Version}, nil
	case "start":
		if env.Start == nil {
			return nil, fmt.Errorf("%w: start without body", ErrMalformedEvent)
		}
		streamSid := env.Start.StreamSid
		if streamSid == "" {
			streamSid = env.StreamSid
		}
		if streamSid == "" {
			return nil, fmt.Errorf("%w: start without stream sid", ErrMalformedEvent)
		}
		return StartEvent{
			StreamSID:        streamSid,
			CallSID:          env.Start.CallSid,
			AccountSID:       env.Start.AccountSid,
			Tracks:           env.Start.Tracks,
			CustomParameters: env.Start.CustomParameters,
			UserData:         env.Start.UserData,
			Encoding:         env.Start.MediaFormat.Encoding,
		}, nil
	case "media":
		if env.Media == nil {
			return nil, fmt.Errorf("%w: media without body", ErrMalformedEvent)
		}
		return MediaEvent{
			StreamSID: env.StreamSid,
			Track:     env.Media.Track,
			Chunk:     env.Media.Chunk,
			Timestamp: env.Media.Timestamp,
			Payload:   env.Media.Payload,
		}, nil
	case "mark":
		if env.Mark == nil {
			return nil, fmt.Errorf("%w: mark without body", ErrMalformedEvent)
		}
		return MarkEvent{StreamSID: env.StreamSid, Name: env.Mark.Name}, nil
	case "dtmf":
		if env.DTMF == nil {
			return nil, fmt.Errorf("%w: dtmf without body", ErrMalformedEvent)
		}
		return DTMFEvent{StreamSID: env.StreamSid, Track: env.DTMF.Track, Digit: env.DTMF.Digit}, nil
	case "stop":
		ev := StopEvent{StreamSID: env.StreamSid}
		if env.Stop != nil {
			ev.CallSID = env.Stop.CallSid
		}
		return ev, nil
	default:
		return UnknownEvent{Name: env.Event, StreamSID: env.StreamSid}, nil
	}
}

// FirstName looks for the caller's first name in custom parameters, then in
// user data.
func (e StartEvent) FirstName() string {
	for _, key := range []string{"firstName", "First-Name"} {
		if v := e.CustomParameters[key]; v != "" {
			return v
		}
	}
	if len(e.UserData) == 0 {
		return ""
	}
	var data struct {
		FirstName string `json:"firstName"`
	}
	if err := json.Unmarshal(e.UserData, &data); err == nil && data.FirstName != "" {
		return data.FirstName
	}
	// userData may arrive as a JSON string holding a JSON object.
	var encoded string
	if err := json.Unmarshal(e.UserData, &encoded); err == nil {
		if err := json.Unmarshal([]byte(encoded), &data); err == nil {
			return data.FirstName
		}
	}
	return ""
}

// Outbound frames.

type ConnectedAck struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

func NewConnectedAck() ConnectedAck {
	return ConnectedAck{Event: "connected", Protocol: "Call", Version: "1.0.0"}
}

type OutboundMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type MediaFrame struct {
	Event          string        `json:"event"`
	StreamSid      string        `json:"streamSid"`
	SequenceNumber string        `json:"sequenceNumber"`
	Media          OutboundMedia `json:"media"`
}

// NewMediaFrame builds an outbound media frame. The chunk number doubles as
// the sequence number.
func NewMediaFrame(streamSid string, seq int64, timestampMs int64, payload string) MediaFrame {
	s := strconv.FormatInt(seq, 10)
	return MediaFrame{
		Event:          "media",
		StreamSid:      streamSid,
		SequenceNumber: s,
		Media: OutboundMedia{
			Track:     "outbound",
			Chunk:     s,
			Timestamp: strconv.FormatInt(timestampMs, 10),
			Payload:   payload,
		},
	}
}

type MarkFrame struct {
	Event          string `json:"event"`
	StreamSid      string `json:"streamSid"`
	SequenceNumber string `json:"sequenceNumber"`
	Mark           struct {
		Name string `json:"name"`
	} `json:"mark"`
}

func NewMarkFrame(streamSid string, seq int64, name string) MarkFrame {
	f := MarkFrame{Event: "mark", StreamSid: streamSid, SequenceNumber: strconv.FormatInt(seq, 10)}
	f.Mark.Name = name
	return f
}

type ClearFrame struct {
	Event          string `json:"event"`
	StreamSid      string `json:"streamSid"`
	SequenceNumber string `json:"sequenceNumber"`
}

func NewClearFrame(streamSid string, seq int64) ClearFrame {
	return ClearFrame{Event: "clear", StreamSid: streamSid, SequenceNumber: strconv.FormatInt(seq, 10)}
}
