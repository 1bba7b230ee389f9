package connection

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Conn 连接层依赖的最小 websocket 能力，gorilla 的 *websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var errWriterClosed = errors.New("连接写通道已关闭")

// Writer 串行化下行写入。文本帧与音频帧分通道缓冲，
// 由单个写协程落到 websocket，避免并发写
type Writer struct {
	conn      Conn
	textChan  chan []byte
	binChan   chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func NewWriter(conn Conn, logger *zap.Logger) *Writer {
	w := &Writer{
		conn:     conn,
		textChan: make(chan []byte, 64),
		binChan:  make(chan []byte, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go w.writeLoop()
	return w
}

func (w *Writer) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case data := <-w.textChan:
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				w.logger.Debug("下行文本帧发送失败", zap.Error(err))
			}
		case data := <-w.binChan:
			if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				w.logger.Debug("下行音频帧发送失败", zap.Error(err))
			}
		}
	}
}

// SendJSON 序列化并发送一个文本帧
func (w *Writer) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case w.textChan <- data:
		return nil
	case <-w.done:
		return errWriterClosed
	}
}

// SendBinary 发送一帧音频
func (w *Writer) SendBinary(data []byte) error {
	select {
	case w.binChan <- data:
		return nil
	case <-w.done:
		return errWriterClosed
	}
}

// Close 停止写协程，可重复调用
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}
