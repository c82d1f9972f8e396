package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"call-relay/internal/apierrors"
	"call-relay/internal/observability"
	"call-relay/internal/store"
	"call-relay/internal/voicecall/callcontext"
	"call-relay/internal/voicecall/session"
	"call-relay/internal/voicecall/twilio"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/twilio/twilio-go/twiml"
)

const (
	connectionPath   = "/api/phone/connection"
	streamStatusPath = "/api/phone/stream-status"

	defaultTranscriptLimit = 50
)

var errShuttingDown = errors.New("media stream connection refused during shutdown")

// incomingCallRequest covers both the carrier's form webhook and the JSON
// body some SIP gateways post instead.
type incomingCallRequest struct {
	CallSID     string       `form:"CallSid" json:"CallSid"`
	From        string       `form:"From" json:"From"`
	To          string       `form:"To" json:"To"`
	FirstName   string       `form:"FirstName" json:"FirstName"`
	AgentID     string       `form:"AgentId" json:"AgentId"`
	Session     string       `form:"Session" json:"Session"`
	SessionData *sessionData `form:"-" json:"SessionData"`
}

type sessionData struct {
	CallIDs []string `json:"callIds"`
	Profile struct {
		SIPHeaders map[string]string `json:"trunk-sip-headers"`
	} `json:"profile"`
}

func (r incomingCallRequest) callContext(sessionHeader string) callcontext.CallContext {
	cc := callcontext.CallContext{
		SessionToken: r.Session,
		CallSID:      r.CallSID,
		From:         r.From,
		To:           r.To,
		FirstName:    r.FirstName,
		AgentID:      r.AgentID,
		Source:       "form",
		CreatedAt:    time.Now(),
	}
	if r.SessionData != nil {
		cc.Source = "json"
		if cc.CallSID == "" && len(r.SessionData.CallIDs) > 0 {
			cc.CallSID = r.SessionData.CallIDs[0]
		}
		if cc.FirstName == "" {
			cc.FirstName = r.SessionData.Profile.SIPHeaders["First-Name"]
		}
	}
	if cc.SessionToken == "" {
		cc.SessionToken = sessionHeader
	}
	if cc.SessionToken == "" {
		cc.SessionToken = uuid.NewString()
	}
	return cc
}

// HandleIncomingCall stores what is known about the call and answers with
// TwiML connecting the call audio to the media stream endpoint. The TwiML is
// returned even when the request cannot be parsed.
func (h *Handler) HandleIncomingCall(c *gin.Context) {
	ctx := c.Request.Context()

	var req incomingCallRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Warn(ctx, "could not parse incoming call request", observability.Field{Key: "error", Value: err.Error()})
	}

	cc := req.callContext(c.GetHeader("X-CX-Session"))
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "call_sid", Value: cc.CallSID},
		observability.Field{Key: "session_token", Value: cc.SessionToken},
	)
	if h.contexts != nil {
		if err := h.contexts.Save(ctx, cc); err != nil {
			h.logger.Error(ctx, "failed to store call context", err)
		}
	}
	h.logger.Info(ctx, "incoming call",
		observability.Field{Key: "from", Value: cc.From},
		observability.Field{Key: "source", Value: cc.Source},
	)

	host := h.config.PublicHost
	if host == "" {
		host = c.Request.Host
	}
	response, err := StreamTwiML(host, cc)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/xml", []byte(response))
}

// StreamTwiML builds the <Connect><Stream> answer for a call.
func StreamTwiML(host string, cc callcontext.CallContext) (string, error) {
	stream := &twiml.VoiceStream{
		Url:                  fmt.Sprintf("wss://%s%s", host, connectionPath),
		Name:                 "call-relay",
		StatusCallback:       fmt.Sprintf("https://%s%s", host, streamStatusPath),
		StatusCallbackMethod: http.MethodPost,
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: session.SessionTokenParameter, Value: cc.SessionToken},
		},
	}
	if cc.FirstName != "" {
		stream.InnerElements = append(stream.InnerElements,
			&twiml.VoiceParameter{Name: "firstName", Value: cc.FirstName})
	}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}

	response, err := twiml.Voice([]twiml.Element{connect})
	if err != nil {
		return "", fmt.Errorf("failed to build stream twiml: %w", err)
	}
	return response, nil
}

type streamStatusRequest struct {
	StreamSID   string `form:"StreamSid" json:"StreamSid"`
	CallSID     string `form:"CallSid" json:"CallSid"`
	StreamEvent string `form:"StreamEvent" json:"StreamEvent"`
	StreamError string `form:"StreamError" json:"StreamError"`
	Timestamp   string `form:"Timestamp" json:"Timestamp"`
}

// HandleStreamStatus logs the carrier's stream status callback.
func (h *Handler) HandleStreamStatus(c *gin.Context) {
	ctx := c.Request.Context()

	var req streamStatusRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Warn(ctx, "could not parse stream status", observability.Field{Key: "error", Value: err.Error()})
	}
	ctx = observability.WithFields(ctx,
		observability.Field{Key: "stream_sid", Value: req.StreamSID},
		observability.Field{Key: "call_sid", Value: req.CallSID},
	)

	if req.StreamError != "" {
		h.logger.Warn(ctx, "media stream reported an error",
			observability.Field{Key: "stream_event", Value: req.StreamEvent},
			observability.Field{Key: "stream_error", Value: req.StreamError},
		)
	} else {
		h.logger.Info(ctx, "media stream status", observability.Field{Key: "stream_event", Value: req.StreamEvent})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleConnection upgrades to the media stream WebSocket and serves one
// session on it until the call ends.
func (h *Handler) HandleConnection(c *gin.Context) {
	ctx := c.Request.Context()
	if h.conns.isClosing() {
		apierrors.ServiceUnavailable(c, "SHUTTING_DOWN", "Server is shutting down.", errShuttingDown)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error(ctx, "websocket upgrade failed", err)
		return
	}

	s := session.New(twilio.NewConn(ws, h.logger), h.deps, h.config.Session)
	if !h.conns.add(s) {
		h.logger.Warn(ctx, "rejecting media stream during shutdown")
		s.Close()
		return
	}
	defer h.conns.remove(s)

	if err := s.Run(ctx); err != nil {
		h.logger.Error(ctx, "session ended with error", err, observability.Field{Key: "session_id", Value: s.ID()})
	}
}

type transcriptResponse struct {
	CallSID string            `json:"call_sid"`
	Live    bool              `json:"live"`
	Record  *store.CallRecord `json:"record"`
}

// HandleGetTranscript returns a call's conversation, live or archived.
func (h *Handler) HandleGetTranscript(c *gin.Context) {
	ctx := c.Request.Context()
	callSID := strings.TrimSpace(c.Param("call_sid"))
	if callSID == "" {
		apierrors.BadRequest(c, "INVALID_INPUT", "call_sid is required")
		return
	}

	if s, ok := h.deps.Registry.FindByCallSID(callSID); ok {
		record := s.Record()
		c.JSON(http.StatusOK, transcriptResponse{CallSID: callSID, Live: true, Record: &record})
		return
	}

	if h.archive == nil {
		h.logger.Info(ctx, "call not found", observability.Field{Key: "call_sid", Value: callSID})
		apierrors.NotFound(c, "Call not found")
		return
	}
	record, err := h.archive.GetCallRecordByCallSID(ctx, callSID)
	if err != nil {
		apierrors.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, transcriptResponse{CallSID: callSID, Record: record})
}

type transcriptsQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=200"`
}

type transcriptsResponse struct {
	Live     []store.CallRecord `json:"live"`
	Archived []store.CallRecord `json:"archived"`
}

// HandleListTranscripts returns every live call and the most recent
// archived ones.
func (h *Handler) HandleListTranscripts(c *gin.Context) {
	ctx := c.Request.Context()

	var query transcriptsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		apierrors.ValidationError(c, err)
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultTranscriptLimit
	}

	resp := transcriptsResponse{Live: []store.CallRecord{}, Archived: []store.CallRecord{}}
	for _, s := range h.deps.Registry.List() {
		resp.Live = append(resp.Live, s.Record())
	}

	if h.archive != nil {
		archived, err := h.archive.ListRecentCallRecords(ctx, query.Limit)
		if err != nil {
			apierrors.RespondWithError(c, err)
			return
		}
		resp.Archived = archived
	}
	c.JSON(http.StatusOK, resp)
}
