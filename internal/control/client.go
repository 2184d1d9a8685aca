// ABOUTME: WebSocket client for the control protocol
// ABOUTME: Handles the hello handshake and correlates replies with requests by id
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/audiocore/pkg/rpc"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned for requests on a closed client
var ErrClientClosed = errors.New("control client closed")

// ClientConfig holds client configuration
type ClientConfig struct {
	ServerAddr string
	ClientID   string
	Name       string
}

// Client is a control session with an audiocore daemon
type Client struct {
	config ClientConfig
	conn   *websocket.Conn
	hello  ServerHello

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]chan Message

	// Replies carries engine/reply messages nobody is waiting for, such as
	// replies from scheduled events
	Replies chan EngineReply

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to addr and completes the handshake
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.ClientID == "" {
		config.ClientID = uuid.New().String()
	}
	if config.Name == "" {
		config.Name = "audioctl"
	}

	u := url.URL{Scheme: "ws", Host: config.ServerAddr, Path: Path}
	log.Debugf("Connecting to %s", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	c := &Client{
		config:  config,
		conn:    conn,
		waiters: make(map[uint64]chan Message),
		Replies: make(chan EngineReply, 16),
		done:    make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return c, nil
}

func (c *Client) handshake() error {
	hello := ClientHello{
		ClientID: c.config.ClientID,
		Name:     c.config.Name,
		Version:  ProtocolVersion,
	}
	if err := c.write(TypeClientHello, hello); err != nil {
		return fmt.Errorf("failed to send %s: %w", TypeClientHello, err)
	}

	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var msg Message
	if err := c.conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("failed to read %s: %w", TypeServerHello, err)
	}
	c.conn.SetReadDeadline(time.Time{})

	switch msg.Type {
	case TypeServerHello:
	case TypeServerError:
		return decodeError(msg.Payload)
	default:
		return fmt.Errorf("expected %s, got %s", TypeServerHello, msg.Type)
	}

	if err := json.Unmarshal(msg.Payload, &c.hello); err != nil {
		return fmt.Errorf("failed to parse %s: %w", TypeServerHello, err)
	}

	log.Debugf("Handshake complete with %s (driver %s)", c.hello.Name, c.hello.Driver)
	return nil
}

// Hello returns the server hello received during the handshake
func (c *Client) Hello() ServerHello {
	return c.hello
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the session
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Call applies method on the engine and waits for the reply. A reply with a
// non-ok code is returned together with its error.
func (c *Client) Call(ctx context.Context, method rpc.Method, args rpc.Args) (EngineReply, error) {
	id := c.nextID.Add(1)
	msg, err := c.request(ctx, id, TypeEngineCall, EngineCall{ID: id, Method: method.String(), Args: args})
	if err != nil {
		return EngineReply{}, err
	}

	var reply EngineReply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return EngineReply{}, fmt.Errorf("failed to parse %s: %w", TypeEngineReply, err)
	}
	return reply, reply.Err()
}

// Schedule queues method on the sequencer. When req.Reply is set the
// engine reply arrives later on Replies with the same id.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (Scheduled, error) {
	req.ID = c.nextID.Add(1)
	msg, err := c.request(ctx, req.ID, TypeSchedule, req)
	if err != nil {
		return Scheduled{}, err
	}

	var scheduled Scheduled
	if err := json.Unmarshal(msg.Payload, &scheduled); err != nil {
		return Scheduled{}, fmt.Errorf("failed to parse %s: %w", TypeScheduled, err)
	}
	return scheduled, nil
}

// Cancel removes a pending event. Cancelling a dispatched event succeeds.
func (c *Client) Cancel(ctx context.Context, eventID string) (Cancelled, error) {
	id := c.nextID.Add(1)
	msg, err := c.request(ctx, id, TypeCancel, CancelRequest{ID: id, EventID: eventID})
	if err != nil {
		return Cancelled{}, err
	}

	var cancelled Cancelled
	if err := json.Unmarshal(msg.Payload, &cancelled); err != nil {
		return Cancelled{}, fmt.Errorf("failed to parse %s: %w", TypeCancelled, err)
	}
	return cancelled, nil
}

// Stats fetches engine, channel and sequencer counters
func (c *Client) Stats(ctx context.Context) (EngineStats, error) {
	id := c.nextID.Add(1)
	msg, err := c.request(ctx, id, TypeEngineStats, StatsRequest{ID: id})
	if err != nil {
		return EngineStats{}, err
	}

	var stats EngineStats
	if err := json.Unmarshal(msg.Payload, &stats); err != nil {
		return EngineStats{}, fmt.Errorf("failed to parse %s: %w", TypeEngineStats, err)
	}
	return stats, nil
}

// request sends one message and waits for the first reply carrying id
func (c *Client) request(ctx context.Context, id uint64, msgType string, payload interface{}) (Message, error) {
	wait := make(chan Message, 1)

	c.mu.Lock()
	c.waiters[id] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, id)
		c.mu.Unlock()
	}()

	if err := c.write(msgType, payload); err != nil {
		return Message{}, err
	}

	select {
	case msg := <-wait:
		if msg.Type == TypeServerError {
			return Message{}, decodeError(msg.Payload)
		}
		return msg, nil
	case <-c.done:
		return Message{}, ErrClientClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *Client) write(msgType string, payload interface{}) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteJSON(Envelope{Type: msgType, Payload: payload})
}

// readMessages routes replies to their waiters until the connection ends
func (c *Client) readMessages() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("Read error: %v", err)
			}
			return
		}
		c.route(msg)
	}
}

func (c *Client) route(msg Message) {
	var header struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(msg.Payload, &header); err != nil {
		log.Debugf("Dropping %s with unreadable payload: %v", msg.Type, err)
		return
	}

	c.mu.Lock()
	wait, ok := c.waiters[header.ID]
	if ok {
		delete(c.waiters, header.ID)
	}
	c.mu.Unlock()

	if ok {
		wait <- msg
		return
	}

	switch msg.Type {
	case TypeEngineReply:
		var reply EngineReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return
		}
		select {
		case c.Replies <- reply:
		default:
			log.Warnf("Reply queue full, dropping reply %d", reply.ID)
		}
	case TypeServerError:
		log.Warnf("Server error: %v", decodeError(msg.Payload))
	default:
		log.Debugf("Unsolicited message: %s", msg.Type)
	}
}

func decodeError(payload json.RawMessage) error {
	var e ErrorPayload
	if err := json.Unmarshal(payload, &e); err != nil {
		return fmt.Errorf("unreadable %s: %w", TypeServerError, err)
	}
	return &ServerError{Code: e.Error, Message: e.Message}
}
