// ABOUTME: WebSocket feed of live browse results
// ABOUTME: Each connection gets its own service browser for the requested type
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/dnssd-go/internal/mdnsd"
	"github.com/Resonate-Protocol/dnssd-go/internal/protocol"
	"github.com/Resonate-Protocol/dnssd-go/pkg/dnssd"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultAddr is the default listen address
	DefaultAddr = ":8928"

	// Path serves the feed
	Path = "/services"

	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Config configures a feed server
type Config struct {
	// Addr to listen on (default: :8928)
	Addr string

	// Name of the server for identification
	Name string

	// ServiceType browsed when a viewer does not ask for one
	ServiceType string
}

// Server streams browse results to websocket viewers
type Server struct {
	config   Config
	serverID string
	engine   *dnssd.Engine

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc

	viewersMu sync.Mutex
	viewers   int
	closing   bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a feed server
func NewServer(engine *dnssd.Engine, config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Name == "" {
		config.Name = "dnssd feed"
	}
	if config.ServiceType == "" {
		config.ServiceType = mdnsd.ServiceTypeEnumeration
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		engine:   engine,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// local network tool; viewers come from anywhere on the LAN
				return true
			},
		},
		ctx:      ctx,
		cancel:   cancel,
		stopChan: make(chan struct{}),
	}
	s.mux.HandleFunc(Path, s.handleServices)

	return s
}

// Handler returns the HTTP handler serving the feed
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Printf("Feed server starting: %s (ID: %s)", s.config.Name, s.serverID)

	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	log.Printf("Feed listening on %s%s", listener.Addr(), Path)

	s.httpServer = &http.Server{Handler: s.mux}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-s.stopChan:
		log.Printf("Feed server shutting down...")
	case err := <-errChan:
		log.Printf("Feed server error: %v", err)
		s.closeViewers()
		s.wg.Wait()
		return err
	}

	// end every viewer's browse before the listener goes away
	s.closeViewers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("Feed server shutdown error: %v", err)
	}

	s.wg.Wait()
	log.Printf("Feed server stopped cleanly")
	return nil
}

// Stop stops the server
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// Viewers returns the number of connected viewers
func (s *Server) Viewers() int {
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()
	return s.viewers
}

// join admits a viewer unless the server is closing
func (s *Server) join() bool {
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// closeViewers refuses new viewers and cancels the running ones. After it
// returns no further wg.Add happens.
func (s *Server) closeViewers() {
	s.viewersMu.Lock()
	s.closing = true
	s.viewersMu.Unlock()
	s.cancel()
}

func (s *Server) addViewer(delta int) int {
	s.viewersMu.Lock()
	defer s.viewersMu.Unlock()
	s.viewers += delta
	return s.viewers
}

// handleServices upgrades the connection and streams one browse
func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if !s.join() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	serviceType := r.URL.Query().Get("type")
	if serviceType == "" {
		serviceType = s.config.ServiceType
	}

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	browser, err := s.engine.BrowseServices(ctx, serviceType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer browser.Cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("Viewer %s connected for %s (%d viewers)", r.RemoteAddr, serviceType, s.addViewer(1))
	defer func() {
		log.Printf("Viewer %s disconnected (%d viewers)", r.RemoteAddr, s.addViewer(-1))
	}()

	hello := protocol.ServerHello{
		ServerID:    s.serverID,
		Name:        s.config.Name,
		Version:     protocol.Version,
		ServiceType: mdnsd.NormalizeType(serviceType),
	}
	if err := writeMessage(conn, protocol.TypeServerHello, hello); err != nil {
		log.Printf("Error sending hello: %v", err)
		return
	}

	// the reader only notices the viewer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.stream(ctx, conn, browser)
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, browser *dnssd.ServiceBrowser) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	records := browser.Records()
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				if err := browser.Err(); err != nil {
					_ = writeMessage(conn, protocol.TypeBrowseError, protocol.BrowseError{
						Message: err.Error(),
						Code:    int32(mdnsd.Code(err)),
					})
				}
				s.closeConn(conn)
				return
			}

			msgType := protocol.TypeServiceFound
			if rec.Lost() {
				msgType = protocol.TypeServiceLost
			}
			if err := writeMessage(conn, msgType, protocol.FromRecord(rec)); err != nil {
				log.Printf("Error sending %s: %v", msgType, err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}

		case <-ctx.Done():
			s.closeConn(conn)
			return
		}
	}
}

func (s *Server) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func writeMessage(conn *websocket.Conn, msgType string, payload interface{}) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}
