// Package wsdisc carries peer sessions over a WebSocket served by the
// initiator. Tickets embed the URL and a one-off token.
package wsdisc

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/infinitefield/hypersdk/internal/discovery"
	"github.com/infinitefield/hypersdk/internal/domain"
)

const (
	scheme           = "ws:"
	sessionPath      = "/session"
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

type ticketBody struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// EncodeTicket builds a ticket for a session reachable at rawURL.
func EncodeTicket(rawURL, token string) discovery.Ticket {
	b, _ := json.Marshal(ticketBody{URL: rawURL, Token: token})
	return discovery.Ticket(scheme + base64.RawURLEncoding.EncodeToString(b))
}

// DecodeTicket is the inverse of EncodeTicket.
func DecodeTicket(t discovery.Ticket) (rawURL, token string, err error) {
	s, ok := strings.CutPrefix(string(t), scheme)
	if !ok {
		return "", "", fmt.Errorf("%w: not a websocket ticket", domain.ErrInvalidTicket)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err)
	}
	var body ticketBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err)
	}
	if body.URL == "" || body.Token == "" {
		return "", "", fmt.Errorf("%w: missing url or token", domain.ErrInvalidTicket)
	}
	return body.URL, body.Token, nil
}

// Config configures an Advertiser.
type Config struct {
	// ListenAddr is the local address to bind, e.g. ":7420".
	ListenAddr string
	// PublicURL is the base URL participants dial, e.g. "ws://10.0.0.5:7420".
	// Derived from the bound address when empty.
	PublicURL string
}

// Advertiser serves one session on a WebSocket endpoint.
type Advertiser struct {
	cfg      Config
	token    string
	upgrader websocket.Upgrader

	once   sync.Once
	ticket discovery.Ticket
	err    error
	srv    *http.Server

	conns     chan discovery.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// NewAdvertiser returns an Advertiser that listens once Advertise is called.
func NewAdvertiser(cfg Config) *Advertiser {
	return &Advertiser{
		cfg:   cfg,
		token: uuid.NewString(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns:  make(chan discovery.Conn),
		closed: make(chan struct{}),
	}
}

// Advertise starts the listener and returns the ticket.
func (a *Advertiser) Advertise(ctx context.Context) (discovery.Ticket, error) {
	a.once.Do(func() {
		ln, err := net.Listen("tcp", a.cfg.ListenAddr)
		if err != nil {
			a.err = domain.NewFatalNetworkError("listen", err)
			return
		}
		base := a.cfg.PublicURL
		if base == "" {
			base = "ws://" + ln.Addr().String()
		}

		mux := http.NewServeMux()
		mux.HandleFunc(sessionPath, a.handle)
		a.srv = &http.Server{Handler: mux, ReadHeaderTimeout: handshakeTimeout}
		go func() {
			if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("WebSocket server stopped", slog.Any("error", err))
			}
		}()

		a.ticket = EncodeTicket(strings.TrimSuffix(base, "/")+sessionPath, a.token)
		slog.Info("WebSocket session listening", slog.String("addr", ln.Addr().String()))
	})
	return a.ticket, a.err
}

func (a *Advertiser) handle(w http.ResponseWriter, r *http.Request) {
	got := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
		http.Error(w, "invalid ticket", http.StatusForbidden)
		return
	}
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	select {
	case a.conns <- newConn(ws, r.RemoteAddr):
	case <-a.closed:
		ws.Close()
	case <-r.Context().Done():
		ws.Close()
	}
}

// Accept waits for the next participant.
func (a *Advertiser) Accept(ctx context.Context) (discovery.Conn, error) {
	select {
	case c := <-a.conns:
		return c, nil
	case <-a.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the listener. Established connections stay open.
func (a *Advertiser) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = a.srv.Shutdown(ctx)
		}
	})
	return err
}

// Dialer connects to websocket tickets.
type Dialer struct {
	dialer websocket.Dialer
}

// NewDialer returns a Dialer with default timeouts.
func NewDialer() *Dialer {
	return &Dialer{dialer: websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

// Connect dials the initiator named by t.
func (d *Dialer) Connect(ctx context.Context, t discovery.Ticket) (discovery.Conn, error) {
	rawURL, token, err := DecodeTicket(t)
	if err != nil {
		return nil, domain.NewFatalNetworkError("connect", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.NewFatalNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrInvalidTicket, err))
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			return nil, domain.NewFatalNetworkError("connect", domain.ErrInvalidTicket)
		}
		return nil, domain.NewNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}
	return newConn(ws, u.Host), nil
}

// conn exposes a websocket as a byte stream. Each Write is one binary
// message; Read drains messages in order.
type conn struct {
	ws     *websocket.Conn
	remote string

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, remote string) *conn {
	return &conn{ws: ws, remote: remote}
}

func (c *conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *conn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *conn) RemoteID() string { return c.remote }
