package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// notificationStream upgrades to a websocket and streams every
// Notification published on the bus until the client disconnects.
// Grounded on the teacher's internal/api/websocket.go upgrade-then-
// write-loop shape, generalized from its single-kind Subscribe to
// Bus.SubscribeAll so the admin feed sees every kind.
func (s *Server) notificationStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.SubscribeAll()
	defer unsub()

	for n := range stream {
		if err := conn.WriteJSON(n); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
