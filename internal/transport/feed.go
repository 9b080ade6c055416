package transport

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// BookmarkFeed streams the caller's bookmark changes as JSON text frames.
func (s *HTTPServer) BookmarkFeed(c echo.Context) error {
	user, err := GetUserFromContext(c)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Warnw("feed upgrade failed", "error", err)
		return nil
	}
	defer conn.Close()

	events, cancel := s.hub.Subscribe(user.ID)
	defer cancel()

	s.logger.Debugw("feed subscriber connected", "user_id", user.ID)
	defer s.logger.Debugw("feed subscriber disconnected", "user_id", user.ID)

	// reads only to notice the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debugw("feed write failed", "error", err)
				return nil
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return nil
			}
		case <-gone:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

