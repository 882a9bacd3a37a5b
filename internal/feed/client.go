// ABOUTME: WebSocket client for a remote service feed
// ABOUTME: Turns feed frames back into service records
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/protocol"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	"github.com/gorilla/websocket"
)

// ErrBrowseEnded is wrapped by the error a client reports when the remote
// browse failed
var ErrBrowseEnded = errors.New("remote browse ended")

// ClientConfig holds client configuration
type ClientConfig struct {
	ServerAddr  string
	ServiceType string
}

// Client receives a remote feed
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Records carries found and lost records; it closes with the connection
	Records chan dnssd.ServiceRecord

	hello     protocol.ServerHello
	connected bool
	err       error
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new feed client
func NewClient(config ClientConfig) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  config,
		Records: make(chan dnssd.ServiceRecord, 32),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect dials the feed and waits for its hello
func (c *Client) Connect() error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: Path}
	if c.config.ServiceType != "" {
		u.RawQuery = url.Values{"type": {c.config.ServiceType}}.Encode()
	}
	log.Printf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		close(c.Records)
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read server/hello: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to parse server/hello: %w", err)
	}
	if msg.Type != protocol.TypeServerHello {
		return fmt.Errorf("expected %s, got %s", protocol.TypeServerHello, msg.Type)
	}

	var hello protocol.ServerHello
	if err := msg.Decode(&hello); err != nil {
		return err
	}
	if hello.Version != protocol.Version {
		return fmt.Errorf("unsupported feed version %d", hello.Version)
	}

	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()

	log.Printf("Connected to feed %q browsing %s", hello.Name, hello.ServiceType)
	return nil
}

func (c *Client) readMessages() {
	defer close(c.Records)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Read error: %v", err)
			}
			return
		}

		if !c.handleMessage(data) {
			return
		}
	}
}

// handleMessage returns false once the feed has ended
func (c *Client) handleMessage(data []byte) bool {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("Failed to parse feed message: %v", err)
		return true
	}

	switch msg.Type {
	case protocol.TypeServiceFound, protocol.TypeServiceLost:
		var info protocol.ServiceInfo
		if err := msg.Decode(&info); err != nil {
			log.Printf("Bad %s frame: %v", msg.Type, err)
			return true
		}
		rec := info.Record()
		if msg.Type == protocol.TypeServiceLost {
			rec.Flags |= dnssd.FlagLost
		}
		select {
		case c.Records <- rec:
		case <-c.ctx.Done():
			return false
		}

	case protocol.TypeBrowseError:
		var be protocol.BrowseError
		_ = msg.Decode(&be)
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %s", ErrBrowseEnded, be.Message)
		c.mu.Unlock()
		return false

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
	return true
}

// Hello returns the server's hello
func (c *Client) Hello() protocol.ServerHello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

// Err returns why the feed ended, once Records is closed
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		log.Printf("Feed connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
