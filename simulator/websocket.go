package simulator

import (
	"evsim/types"
	"evsim/utility"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport carries raw OCPP-J frames between one session and the central
// system. Implementations deliver inbound frames and close notifications
// through the callbacks given at construction.
type Transport interface {
	Open(url string, header http.Header) error
	Send(data []byte) error
	Close() error
	IsOpen() bool
}

// TransportFactory builds a transport for one session. onFrame receives
// every inbound text frame; onClose fires once when the connection drops
// for any reason other than a local Close call.
type TransportFactory func(onFrame func(data []byte), onClose func(err error)) Transport

type wsClient struct {
	mux              sync.Mutex
	conn             *websocket.Conn
	open             bool
	closedLocally    bool
	onFrame          func(data []byte)
	onClose          func(err error)
	handshakeTimeout time.Duration
}

// NewWebSocketTransport returns a factory producing gorilla-backed clients
// negotiating the ocpp1.6 sub-protocol.
func NewWebSocketTransport(handshakeTimeout time.Duration) TransportFactory {
	return func(onFrame func(data []byte), onClose func(err error)) Transport {
		return &wsClient{
			onFrame:          onFrame,
			onClose:          onClose,
			handshakeTimeout: handshakeTimeout,
		}
	}
}

func (c *wsClient) Open(url string, header http.Header) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.open {
		return nil
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{types.SubProtocol16},
		HandshakeTimeout: c.handshakeTimeout,
	}
	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return err
	}
	c.conn = conn
	c.open = true
	c.closedLocally = false
	go c.readPump(conn)
	return nil
}

func (c *wsClient) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mux.Lock()
			local := c.closedLocally
			if c.conn == conn {
				c.open = false
			}
			c.mux.Unlock()
			if !local && c.onClose != nil {
				c.onClose(err)
			}
			return
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

func (c *wsClient) Send(data []byte) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.open || c.conn == nil {
		return utility.Err("transport is not open")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) Close() error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if !c.open || c.conn == nil {
		return nil
	}
	c.closedLocally = true
	c.open = false
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func (c *wsClient) IsOpen() bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.open
}
