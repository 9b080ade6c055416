package remote

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Rogue-Bear-Innovations/bookmarker/internal/models"
	"github.com/Rogue-Bear-Innovations/bookmarker/internal/reconcile"
)

const (
	feedPath   = "/bookmark/feed"
	pongWait   = 60 * time.Second
	closeGrace = time.Second
)

// Feed dials the backend change feed for the signed in user.
type Feed struct {
	client *Client
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
}

func NewFeed(client *Client, logger *zap.SugaredLogger) *Feed {
	return &Feed{
		client: client,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (f *Feed) Subscribe(ctx context.Context) (reconcile.Subscription, error) {
	if f.client.Token() == "" {
		return nil, ErrNotSignedIn
	}

	conn, resp, err := f.dialer.DialContext(ctx, f.client.websocketURL(feedPath), f.client.authHeader())
	if err != nil {
		if resp != nil {
			return nil, &StatusError{Op: "subscribe", Code: resp.StatusCode}
		}
		return nil, errors.Wrap(err, "subscribe")
	}

	sub := &subscription{
		conn:   conn,
		events: make(chan models.Change),
		done:   make(chan struct{}),
		logger: f.logger,
	}
	go sub.read()
	return sub, nil
}

type subscription struct {
	conn   *websocket.Conn
	events chan models.Change
	done   chan struct{}
	once   sync.Once
	logger *zap.SugaredLogger
}

func (s *subscription) Events() <-chan models.Change {
	return s.events
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		err = s.conn.Close()
	})
	return err
}

func (s *subscription) read() {
	defer close(s.events)

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(closeGrace))
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Debugw("feed closed", "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		change, err := models.DecodeChange(payload)
		if err != nil {
			s.logger.Warnw("dropping malformed feed frame", "error", err)
			continue
		}

		select {
		case s.events <- change:
		case <-s.done:
			return
		}
	}
}
