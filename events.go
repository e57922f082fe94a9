package sshhoneypot

import (
	"encoding/json"
)

const EVENT_NEW_LIVE string = "new_live"
const EVENT_NEW_SESSION string = "new_session"
const EVENT_STATUS_UPDATE string = "status_update"
const EVENT_ACTIVE_CONNECTIONS string = "active_connections_update"

/*
PushEvents are what dashboard clients receive over
the websocket: a live transcript line, a new
transcript file, a connect/disconnect status change,
or the current count of online sessions.
*/
type PushEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type LiveEvent struct {
	Log string `json:"log"`
	IP  string `json:"ip"`
}

type NewSessionEvent struct {
	IP string `json:"ip"`
}

type StatusEvent struct {
	IP     string `json:"ip"`
	Online bool   `json:"online"`
}

type ActiveConnectionsEvent struct {
	Count int64 `json:"count"`
}

func (event *PushEvent) ToJSON() []byte {
	data, err := json.Marshal(*event)
	if err != nil {
		data = []byte("")
	}
	return data
}

func newLiveEvent(log, ip string) PushEvent {
	return PushEvent{Event: EVENT_NEW_LIVE, Data: LiveEvent{Log: log, IP: ip}}
}

func newSessionEvent(ip string) PushEvent {
	return PushEvent{Event: EVENT_NEW_SESSION, Data: NewSessionEvent{IP: ip}}
}

func newStatusEvent(ip string, online bool) PushEvent {
	return PushEvent{Event: EVENT_STATUS_UPDATE, Data: StatusEvent{IP: ip, Online: online}}
}

func newActiveConnectionsEvent(count int64) PushEvent {
	return PushEvent{Event: EVENT_ACTIVE_CONNECTIONS, Data: ActiveConnectionsEvent{Count: count}}
}
