package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/logger"
)

const (
	// WriterBufferSize covers a TTS burst of ~12s at 60ms per frame.
	WriterBufferSize = 200
	// PreBufferCount is the number of audio frames sent immediately before
	// the writer starts pacing at frame duration.
	PreBufferCount = 5
	// DefaultFrameDuration is the opus frame duration used for pacing.
	DefaultFrameDuration = 60 * time.Millisecond
)

// Connection wraps one device WebSocket. All writes go through buffered
// channels drained by dedicated loops, so handlers never block on the socket
// and text and binary frames cannot interleave mid-write.
type Connection struct {
	conn      *websocket.Conn
	sessionID string

	mu         sync.Mutex
	msgChan    chan []byte
	binaryChan chan []byte
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once
	closed     chan struct{}

	flowMu sync.Mutex
	flow   *flowState
}

// flowState paces binary audio after the pre-buffer window.
type flowState struct {
	packetCount   int
	lastSendTime  time.Time
	frameDuration time.Duration
}

// NewConnection starts the write loops for a freshly upgraded socket.
func NewConnection(parent context.Context, conn *websocket.Conn, sessionID string) *Connection {
	ctx, cancel := context.WithCancel(parent)
	c := &Connection{
		conn:       conn,
		sessionID:  sessionID,
		msgChan:    make(chan []byte, WriterBufferSize),
		binaryChan: make(chan []byte, WriterBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.writeBinaryLoop()
	return c
}

// SessionID returns the session this connection belongs to.
func (c *Connection) SessionID() string {
	return c.sessionID
}

// CloseNotify is closed once either write loop detects a dead socket or
// Close is called.
func (c *Connection) CloseNotify() <-chan struct{} {
	return c.closed
}

// ReadMessage blocks on the next WebSocket frame. Only the session read
// loop may call this.
func (c *Connection) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close stops both write loops and closes the socket. Safe to call more
// than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.msgChan:
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.TextMessage, msg)
			c.mu.Unlock()
			if err != nil {
				c.logWriteError("text", err)
				c.signalClosed()
				return
			}
		}
	}
}

func (c *Connection) writeBinaryLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.binaryChan:
			c.mu.Lock()
			err := c.conn.WriteMessage(websocket.BinaryMessage, data)
			c.mu.Unlock()
			if err != nil {
				c.logWriteError("binary", err)
				c.signalClosed()
				return
			}
		}
	}
}

func (c *Connection) signalClosed() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Connection) logWriteError(kind string, err error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		logger.Debug("websocket closed, write loop exiting",
			zap.String("session", c.sessionID),
			zap.String("kind", kind))
		return
	}
	logger.Error("websocket write failed",
		zap.String("session", c.sessionID),
		zap.String("kind", kind),
		zap.Error(err))
}

// SendJSON marshals v and queues it on the text channel. A full queue drops
// the message rather than blocking the caller.
func (c *Connection) SendJSON(v interface{}) error {
	message, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.msgChan <- message:
		return nil
	default:
		logger.Warn("text write queue full, message dropped",
			zap.String("session", c.sessionID))
		return nil
	}
}

// SendBinary queues an audio frame without pacing. Used for non-TTS audio
// such as echo tests.
func (c *Connection) SendBinary(data []byte) error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.binaryChan <- data:
		return nil
	default:
		return fmt.Errorf("binary write queue full")
	}
}

// SendAudioPaced sends a TTS opus frame with flow control: the first
// PreBufferCount frames go out immediately so the device can fill its jitter
// buffer, then frames are paced at frameDuration based on the last actual
// send time so errors do not accumulate. Blocks when the queue is full,
// which gives natural backpressure instead of dropping audio.
func (c *Connection) SendAudioPaced(data []byte, frameDuration time.Duration) error {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}

	now := time.Now()
	c.flowMu.Lock()
	if c.flow == nil {
		c.flow = &flowState{lastSendTime: now, frameDuration: frameDuration}
	}
	flow := c.flow
	packetCount := flow.packetCount
	flow.packetCount++
	lastSendTime := flow.lastSendTime
	c.flowMu.Unlock()

	if packetCount >= PreBufferCount {
		next := lastSendTime.Add(flow.frameDuration)
		if delay := time.Until(next); delay > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	case c.binaryChan <- data:
		c.flowMu.Lock()
		flow.lastSendTime = time.Now()
		c.flowMu.Unlock()
		return nil
	}
}

// ResetFlowControl clears the pacing state. Called at the start of every
// TTS turn and after an abort so the next turn gets a fresh pre-buffer.
func (c *Connection) ResetFlowControl() {
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	c.flow = nil
}

// PendingBinary returns the number of queued unsent audio frames.
func (c *Connection) PendingBinary() int {
	return len(c.binaryChan)
}
