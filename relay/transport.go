package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// TransportWriter is the viewer's open connection: a byte-oriented,
// strictly ordered, backpressure-aware sink. Writes block (up to the
// implementation's write timeout) when the consumer is slow; the proxy
// stops pulling upstream rather than buffering unboundedly.
type TransportWriter interface {
	// WriteResume announces the cursor the stream resumes after.
	// Written once, before any record.
	WriteResume(sequence uint64) error
	WriteRecord(record *ChangeRecord) error
	WriteHeartbeat() error
	// WriteEndOfFeed is the one-shot terminal marker carrying the cursor
	// to use on next reconnect.
	WriteEndOfFeed(sequence uint64) error
	// Done is closed when the peer connection closes.
	Done() <-chan struct{}
	Close()
}

// FeedMessage is the wire shape of one websocket text message.
// A record message carries seq/id/rev/deleted. A heartbeat is an empty
// object. The initial resume message and the one-shot terminal marker
// carry `last_seq`.
type FeedMessage struct {
	Seq        uint64  `json:"seq,omitempty"`
	DocumentId string  `json:"id,omitempty"`
	Revision   string  `json:"rev,omitempty"`
	Deleted    bool    `json:"deleted,omitempty"`
	Resume     bool    `json:"resume,omitempty"`
	LastSeq    *uint64 `json:"last_seq,omitempty"`
}

func (self *FeedMessage) IsHeartbeat() bool {
	return self.Seq == 0 && self.LastSeq == nil
}

func (self *FeedMessage) IsEndOfFeed() bool {
	return !self.Resume && self.LastSeq != nil
}

func (self *FeedMessage) Record() *ChangeRecord {
	if self.Seq == 0 {
		return nil
	}
	return &ChangeRecord{
		Sequence:   self.Seq,
		DocumentId: self.DocumentId,
		Revision:   self.Revision,
		Deleted:    self.Deleted,
	}
}

type WebsocketTransportSettings struct {
	WriteTimeout time.Duration
	PingTimeout  time.Duration
	ReadTimeout  time.Duration
}

func DefaultWebsocketTransportSettings() *WebsocketTransportSettings {
	return &WebsocketTransportSettings{
		WriteTimeout: 5 * time.Second,
		PingTimeout:  5 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
}

// WebsocketTransport frames each feed message as one websocket text
// message. A read pump detects peer close; pings keep idle-timeout
// detection working on both sides.
type WebsocketTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn     *websocket.Conn
	settings *WebsocketTransportSettings

	writeLock sync.Mutex
}

func NewWebsocketTransportWithDefaults(ctx context.Context, conn *websocket.Conn) *WebsocketTransport {
	return NewWebsocketTransport(ctx, conn, DefaultWebsocketTransportSettings())
}

func NewWebsocketTransport(ctx context.Context, conn *websocket.Conn, settings *WebsocketTransportSettings) *WebsocketTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WebsocketTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		conn:     conn,
		settings: settings,
	}
	go HandleError(transport.run)
	return transport
}

func (self *WebsocketTransport) run() {
	defer self.cancel()

	// ping loop
	go HandleError(func() {
		defer self.cancel()

		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.PingTimeout):
			}

			self.writeLock.Lock()
			self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			err := self.conn.WriteMessage(websocket.PingMessage, nil)
			self.writeLock.Unlock()
			if err != nil {
				return
			}
		}
	})

	// read pump. the feed is one way; reads only detect peer close and
	// service pong control frames
	self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	self.conn.SetPongHandler(func(string) error {
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		if _, _, err := self.conn.ReadMessage(); err != nil {
			glog.V(1).Infof("[transport]peer closed: %s\n", err)
			return
		}
		self.conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
}

func (self *WebsocketTransport) write(message *FeedMessage) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}

	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.conn.WriteMessage(websocket.TextMessage, messageBytes); err != nil {
		self.cancel()
		return err
	}
	return nil
}

func (self *WebsocketTransport) WriteResume(sequence uint64) error {
	return self.write(&FeedMessage{
		Resume:  true,
		LastSeq: &sequence,
	})
}

func (self *WebsocketTransport) WriteRecord(record *ChangeRecord) error {
	return self.write(&FeedMessage{
		Seq:        record.Sequence,
		DocumentId: record.DocumentId,
		Revision:   record.Revision,
		Deleted:    record.Deleted,
	})
}

func (self *WebsocketTransport) WriteHeartbeat() error {
	return self.write(&FeedMessage{})
}

func (self *WebsocketTransport) WriteEndOfFeed(sequence uint64) error {
	return self.write(&FeedMessage{
		LastSeq: &sequence,
	})
}

func (self *WebsocketTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WebsocketTransport) Close() {
	self.cancel()

	self.writeLock.Lock()
	self.conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	self.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	self.writeLock.Unlock()

	self.conn.Close()
}
