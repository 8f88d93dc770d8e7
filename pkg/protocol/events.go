package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Event type tags (Client → Server)
const (
	EventChangeUsername = "changeUsername"
	EventRequestFriend  = "requestFriend"
	EventRespondFriend  = "respondFriend"
	EventSendDM         = "sendDM"
	EventGetDM          = "getDM"
	EventCreateGroup    = "createGroup"
	EventSendGroup      = "sendGroup"
	EventGetGroup       = "getGroup"
	EventAdminWarn      = "adminWarn"
	EventAdminBan       = "adminBan"
	EventAdminUnban     = "adminUnban"
	EventAdminListBans  = "adminListBans"
	EventAdminListUsers = "adminListUsers"
)

// Event type tags (Server → Client)
const (
	EventInit            = "init"
	EventDM              = "dm"
	EventDMHistory       = "dmHistory"
	EventGroupCreated    = "groupCreated"
	EventGroupMsg        = "groupMsg"
	EventGroupHistory    = "groupHistory"
	EventFriendRequest   = "friendRequest"
	EventSystem          = "system"
	EventUsernameChanged = "usernameChanged"
	EventAdminWarning    = "adminWarning"
	EventForceDisconnect = "forceDisconnect"
)

// ErrUnknownEvent is returned for event types outside the closed set.
var ErrUnknownEvent = errors.New("unknown event type")

// Entry is a single message as it appears on the wire. Ts is epoch
// milliseconds.
type Entry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Group mirrors a stored group on the wire.
type Group struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Members []string `json:"members"`
	History []Entry  `json:"history"`
}

// ClientEvent is one of the closed set of client-issued actions. Every
// event is validated at the boundary before any handler sees it.
type ClientEvent interface {
	EventName() string
}

type ChangeUsername struct {
	NewName string `json:"newName" validate:"required"`
}

type RequestFriend struct {
	TargetUsername string `json:"targetUsername" validate:"required"`
}

type RespondFriend struct {
	From     string `json:"from" validate:"required"`
	Accepted bool   `json:"accepted"`
}

type SendDM struct {
	Target string `json:"target" validate:"required"`
	Text   string `json:"text"`
}

type GetDM struct {
	Target string `json:"target" validate:"required"`
}

type CreateGroup struct {
	Label   string   `json:"label"`
	Members []string `json:"members"`
}

type SendGroup struct {
	GroupID string `json:"groupId" validate:"required"`
	Text    string `json:"text"`
}

type GetGroup struct {
	GroupID string `json:"groupId" validate:"required"`
}

type AdminWarn struct {
	Password string `json:"password" validate:"required"`
	Target   string `json:"target" validate:"required"`
	Message  string `json:"message"`
}

type AdminBan struct {
	Password        string `json:"password" validate:"required"`
	Target          string `json:"target" validate:"required"`
	DurationMinutes *int64 `json:"durationMinutes" validate:"omitempty,gt=0"`
	Reason          string `json:"reason"`
}

type AdminUnban struct {
	Password string `json:"password" validate:"required"`
	IP       string `json:"ip" validate:"required,ip"`
}

type AdminListBans struct {
	Password string `json:"password" validate:"required"`
}

type AdminListUsers struct {
	Password string `json:"password" validate:"required"`
}

func (*ChangeUsername) EventName() string { return EventChangeUsername }
func (*RequestFriend) EventName() string  { return EventRequestFriend }
func (*RespondFriend) EventName() string  { return EventRespondFriend }
func (*SendDM) EventName() string         { return EventSendDM }
func (*GetDM) EventName() string          { return EventGetDM }
func (*CreateGroup) EventName() string    { return EventCreateGroup }
func (*SendGroup) EventName() string      { return EventSendGroup }
func (*GetGroup) EventName() string       { return EventGetGroup }
func (*AdminWarn) EventName() string      { return EventAdminWarn }
func (*AdminBan) EventName() string       { return EventAdminBan }
func (*AdminUnban) EventName() string     { return EventAdminUnban }
func (*AdminListBans) EventName() string  { return EventAdminListBans }
func (*AdminListUsers) EventName() string { return EventAdminListUsers }

var validate = validator.New()

// DecodeClientEvent parses a raw inbound frame into its concrete event
// type. Unknown types and events failing field validation are rejected
// before reaching any handler.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	var ev ClientEvent
	switch env.Type {
	case EventChangeUsername:
		ev = &ChangeUsername{}
	case EventRequestFriend:
		ev = &RequestFriend{}
	case EventRespondFriend:
		ev = &RespondFriend{}
	case EventSendDM:
		ev = &SendDM{}
	case EventGetDM:
		ev = &GetDM{}
	case EventCreateGroup:
		ev = &CreateGroup{}
	case EventSendGroup:
		ev = &SendGroup{}
	case EventGetGroup:
		ev = &GetGroup{}
	case EventAdminWarn:
		ev = &AdminWarn{}
	case EventAdminBan:
		ev = &AdminBan{}
	case EventAdminUnban:
		ev = &AdminUnban{}
	case EventAdminListBans:
		ev = &AdminListBans{}
	case EventAdminListUsers:
		ev = &AdminListUsers{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("malformed %s event: %w", env.Type, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", env.Type, err)
	}
	return ev, nil
}

// ServerEvent is one of the closed set of server-pushed events. The Type
// tag is stamped by the constructor.
type ServerEvent interface {
	EventName() string
}

type InitEvent struct {
	Type     string   `json:"type"`
	Username string   `json:"username"`
	Friends  []string `json:"friends"`
	Groups   []Group  `json:"groups"`
}

type DMEvent struct {
	Type  string `json:"type"`
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

type DMHistoryEvent struct {
	Type    string  `json:"type"`
	Key     string  `json:"key"`
	History []Entry `json:"history"`
}

type GroupCreatedEvent struct {
	Type  string `json:"type"`
	Group Group  `json:"group"`
}

type GroupMsgEvent struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
	Entry   Entry  `json:"entry"`
}

type GroupHistoryEvent struct {
	Type    string  `json:"type"`
	GroupID string  `json:"groupId"`
	History []Entry `json:"history"`
}

type FriendRequestEvent struct {
	Type string `json:"type"`
	From string `json:"from"`
}

type SystemEvent struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

type UsernameChangedEvent struct {
	Type    string `json:"type"`
	NewName string `json:"newName"`
}

type AdminWarningEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ForceDisconnectEvent struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewInitEvent(username string, friends []string, groups []Group) *InitEvent {
	if friends == nil {
		friends = []string{}
	}
	if groups == nil {
		groups = []Group{}
	}
	return &InitEvent{Type: EventInit, Username: username, Friends: friends, Groups: groups}
}

func NewDMEvent(key string, entry Entry) *DMEvent {
	return &DMEvent{Type: EventDM, Key: key, Entry: entry}
}

func NewDMHistoryEvent(key string, history []Entry) *DMHistoryEvent {
	if history == nil {
		history = []Entry{}
	}
	return &DMHistoryEvent{Type: EventDMHistory, Key: key, History: history}
}

func NewGroupCreatedEvent(group Group) *GroupCreatedEvent {
	return &GroupCreatedEvent{Type: EventGroupCreated, Group: group}
}

func NewGroupMsgEvent(groupID string, entry Entry) *GroupMsgEvent {
	return &GroupMsgEvent{Type: EventGroupMsg, GroupID: groupID, Entry: entry}
}

func NewGroupHistoryEvent(groupID string, history []Entry) *GroupHistoryEvent {
	if history == nil {
		history = []Entry{}
	}
	return &GroupHistoryEvent{Type: EventGroupHistory, GroupID: groupID, History: history}
}

func NewFriendRequestEvent(from string) *FriendRequestEvent {
	return &FriendRequestEvent{Type: EventFriendRequest, From: from}
}

func NewSystemEvent(msg string) *SystemEvent {
	return &SystemEvent{Type: EventSystem, Msg: msg}
}

func NewUsernameChangedEvent(newName string) *UsernameChangedEvent {
	return &UsernameChangedEvent{Type: EventUsernameChanged, NewName: newName}
}

func NewAdminWarningEvent(message string) *AdminWarningEvent {
	return &AdminWarningEvent{Type: EventAdminWarning, Message: message}
}

func NewForceDisconnectEvent(reason string) *ForceDisconnectEvent {
	return &ForceDisconnectEvent{Type: EventForceDisconnect, Reason: reason}
}

func (*InitEvent) EventName() string            { return EventInit }
func (*DMEvent) EventName() string              { return EventDM }
func (*DMHistoryEvent) EventName() string       { return EventDMHistory }
func (*GroupCreatedEvent) EventName() string    { return EventGroupCreated }
func (*GroupMsgEvent) EventName() string        { return EventGroupMsg }
func (*GroupHistoryEvent) EventName() string    { return EventGroupHistory }
func (*FriendRequestEvent) EventName() string   { return EventFriendRequest }
func (*SystemEvent) EventName() string          { return EventSystem }
func (*UsernameChangedEvent) EventName() string { return EventUsernameChanged }
func (*AdminWarningEvent) EventName() string    { return EventAdminWarning }
func (*ForceDisconnectEvent) EventName() string { return EventForceDisconnect }
