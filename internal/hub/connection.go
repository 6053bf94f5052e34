package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10
)

// 关闭原因，同时用作指标标签。
const (
	reasonClient    = "client"
	reasonHeartbeat = "heartbeat"
	reasonSlow      = "slow_consumer"
	reasonShutdown  = "shutdown"
	reasonWriteFail = "write_error"
)

// Metadata 记录握手时采集的连接信息。
type Metadata struct {
	RemoteAddr string `json:"remoteAddr"`
	UserAgent  string `json:"userAgent,omitempty"`
	Client     string `json:"client,omitempty"`
}

// Info 是连接的只读快照。
type Info struct {
	ID             string   `json:"id"`
	ConnectedAt    int64    `json:"connectedAt"`
	LastActivityAt int64    `json:"lastActivityAt"`
	Metadata       Metadata `json:"metadata"`
}

// Connection 表示一个已通过认证的持久连接。写操作只由 writePump 执行。
type Connection struct {
	id          string
	ws          *websocket.Conn
	meta        Metadata
	connectedAt time.Time
	activity    atomic.Int64

	send chan []byte

	closeOnce   sync.Once
	closing     chan struct{}
	closeCode   int
	closeReason string
	reason      string
}

func newConnection(id string, ws *websocket.Conn, meta Metadata, now time.Time, buffer int) *Connection {
	c := &Connection{
		id:          id,
		ws:          ws,
		meta:        meta,
		connectedAt: now,
		send:        make(chan []byte, buffer),
		closing:     make(chan struct{}),
	}
	c.touch(now)
	return c
}

// ID 返回连接标识。
func (c *Connection) ID() string { return c.id }

func (c *Connection) touch(now time.Time) {
	c.activity.Store(now.UnixNano())
}

func (c *Connection) lastActivity() time.Time {
	return time.Unix(0, c.activity.Load())
}

func (c *Connection) info() Info {
	return Info{
		ID:             c.id,
		ConnectedAt:    c.connectedAt.UnixMilli(),
		LastActivityAt: c.lastActivity().UnixMilli(),
		Metadata:       c.meta,
	}
}

func (c *Connection) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// shutdown 只生效一次，由 writePump 发送关闭帧并断开底层连接。
func (c *Connection) shutdown(code int, text, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = text
		c.reason = reason
		close(c.closing)
		first = true
	})
	return first
}

// enqueue 将消息放入发送队列；队列已满的连接按慢消费者关闭。
func (c *Connection) enqueue(msg []byte) bool {
	if c.isClosing() {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.shutdown(websocket.ClosePolicyViolation, "slow consumer", reasonSlow)
		return false
	}
}

func (c *Connection) writePump(done func()) {
	defer func() {
		_ = c.ws.Close()
		done()
	}()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "", reasonWriteFail)
				return
			}
		case <-c.closing:
			if c.closeCode == websocket.CloseAbnormalClosure {
				return
			}
			if c.closeCode != websocket.ClosePolicyViolation && !c.drain() {
				return
			}
			frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			_ = c.ws.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait))
			return
		}
	}
}

// drain 在正常关闭前写出队列中剩余的消息，保证关闭帧之前的事件不丢失。
func (c *Connection) drain() bool {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return false
			}
		default:
			return true
		}
	}
}
