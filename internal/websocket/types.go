package websocket

import (
	"time"

	"github.com/coder/websocket"
)

// Message types understood by the reload client.
const (
	TypeReload = "reload"
	TypeCSS    = "css"
	TypeError  = "error"
	TypeClear  = "clear"
)

// Message is one broadcast to the browser.
type Message struct {
	Type      string    `json:"type"`
	Task      string    `json:"task,omitempty"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty"`
	Column    int       `json:"column,omitempty"`
	Content   string    `json:"content,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client is one connected browser tab.
type client struct {
	conn *websocket.Conn
	send chan []byte
}
