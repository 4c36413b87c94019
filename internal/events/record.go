// Package events fans telephony notifier events out to publishers: logs, an
// in-memory journal for the API, metrics and channels.
package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sebas/agentline/internal/telephony"
)

// SubjectPrefix is the root of every subject.
const SubjectPrefix = "agentline"

// Record is a published event with routing metadata.
type Record struct {
	ID        string                        `json:"id"`
	Subject   string                        `json:"subject"`
	Agent     string                        `json:"agent"`
	Name      telephony.EventName           `json:"event"`
	Time      time.Time                     `json:"time"`
	Call      *telephony.CallInfo           `json:"call,omitempty"`
	Conn      string                        `json:"connection,omitempty"`
	Reg       *telephony.RegistrationStatus `json:"registration,omitempty"`
	Muted     *bool                         `json:"muted,omitempty"`
	Tones     string                        `json:"tones,omitempty"`
	Target    string                        `json:"target,omitempty"`
	Mode      string                        `json:"mode,omitempty"`
	Completed *bool                         `json:"completed,omitempty"`
	Error     string                        `json:"error,omitempty"`
}

// Subject names the event for routing:
//
//	agentline.<agent>.calls.<session>.<event>   call events
//	agentline.<agent>.line.<event>              connection and registration
func Subject(agent string, ev telephony.Event) string {
	if ev.Call != nil {
		return fmt.Sprintf("%s.%s.calls.%s.%s", SubjectPrefix, agent, ev.Call.ID, ev.Name)
	}
	return fmt.Sprintf("%s.%s.line.%s", SubjectPrefix, agent, ev.Name)
}

// NewRecord copies the fields relevant to ev.Name out of ev.
func NewRecord(agent string, ev telephony.Event) Record {
	r := Record{
		ID:      uuid.NewString(),
		Subject: Subject(agent, ev),
		Agent:   agent,
		Name:    ev.Name,
		Time:    ev.Time,
		Call:    ev.Call,
	}
	if ev.Err != nil {
		r.Error = ev.Err.Error()
	}
	switch ev.Name {
	case telephony.EventConnected, telephony.EventDisconnected, telephony.EventTransportError:
		r.Conn = ev.Connection.String()
	case telephony.EventRegistered, telephony.EventUnregistered, telephony.EventRegistrationFailed:
		reg := ev.Registration
		r.Reg = &reg
	case telephony.EventCallMuted:
		muted := ev.Muted
		r.Muted = &muted
	case telephony.EventDTMFSent:
		r.Tones = ev.Tones
	case telephony.EventCallTransferred:
		r.Target = ev.Target
		r.Mode = ev.Mode.String()
		completed := ev.Completed
		r.Completed = &completed
	}
	return r
}
