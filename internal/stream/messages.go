package stream

import (
	"time"

	"github.com/goccy/go-json"
)

// MessageType names a server push understood by the overlay.
type MessageType string

const (
	TypeCommit        MessageType = "github:commit"
	TypeCI            MessageType = "github:ci"
	TypePR            MessageType = "github:pr"
	TypeIssue         MessageType = "github:issue"
	TypeTDDStatus     MessageType = "tdd:status"
	TypeSessionStats  MessageType = "session:stats"
	TypeSessionStart  MessageType = "session:start"
	TypeSessionEnd    MessageType = "session:end"
	TypeProjectActive MessageType = "project:active"
	TypeProjectSwitch MessageType = "project:switch"
	TypeOverlayConfig MessageType = "overlay:config"
	TypeOverlayAmount MessageType = "overlay:amount"
	TypeChatMessage   MessageType = "chat:message"
	TypeChatCommand   MessageType = "chat:command"
	TypeChatResponse  MessageType = "chat:response"
)

// Channel is a subscription topic.
type Channel string

const (
	ChannelGitHub  Channel = "github"
	ChannelTDD     Channel = "tdd"
	ChannelSession Channel = "session"
	ChannelProject Channel = "project"
	ChannelChat    Channel = "chat"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelGitHub, ChannelTDD, ChannelSession, ChannelProject, ChannelChat:
		return true
	}
	return false
}

// ServerMessage is the envelope of every push.
type ServerMessage struct {
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(t MessageType, payload any) ServerMessage {
	return ServerMessage{Type: t, Payload: payload, Timestamp: stamp(time.Now())}
}

// ClientMessage is what a socket client may send.
type ClientMessage struct {
	Type    string  `json:"type"` // subscribe | unsubscribe
	Channel Channel `json:"channel"`
}

func stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func encode(m ServerMessage) ([]byte, error) {
	return json.Marshal(m)
}

type CommitPayload struct {
	SHA       string `json:"sha"`
	Message   string `json:"message"`
	Author    string `json:"author"`
	Repo      string `json:"repo"`
	Timestamp string `json:"timestamp"`
}

type CIPayload struct {
	Repo     string `json:"repo"`
	Workflow string `json:"workflow"`
	Status   string `json:"status"` // success | failure | pending
	URL      string `json:"url"`
}

type PRPayload struct {
	Repo   string `json:"repo"`
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"` // open | closed | merged
	Author string `json:"author"`
}

type IssuePayload struct {
	Repo   string   `json:"repo"`
	Number int      `json:"number"`
	Title  string   `json:"title"`
	State  string   `json:"state"`
	Labels []string `json:"labels"`
}

// ActivityItem is one entry in the overlay's activity feed.
type ActivityItem struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // commit | pr | issue | ci | prd
	Repo      string `json:"repo"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Icon      string `json:"icon"`
	Color     string `json:"color"`
}

type TDDStatusPayload struct {
	Phase       string `json:"phase"` // red | green | refactor | idle
	TestsPassed int    `json:"testsPassed"`
	TestsTotal  int    `json:"testsTotal"`
	CurrentTest string `json:"currentTest,omitempty"`
}

type SessionStatsPayload struct {
	StartTime    string `json:"startTime"`
	Duration     int64  `json:"duration"`
	Commits      int    `json:"commits"`
	TestsRun     int    `json:"testsRun"`
	IssuesClosed int    `json:"issuesClosed"`
}

type ActiveProject struct {
	Name         string         `json:"name"`
	Repo         string         `json:"repo"`
	LastCommit   *CommitPayload `json:"lastCommit,omitempty"`
	LastActivity string         `json:"lastActivity"`
	IsActive     bool           `json:"isActive"`
}

type OverlayConfigPayload struct {
	Title      string   `json:"title,omitempty"`
	GoalAmount *float64 `json:"goalAmount,omitempty"`
}

type OverlayAmountPayload struct {
	Amount float64 `json:"amount"`
}
