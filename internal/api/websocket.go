package api

import (
	"net/http"

	"backtester/internal/advice"
)

// advisorWebsocket serves the advisor over a websocket: one JSON
// advice.Request per message, one advice.Response per reply.
func (s *Server) advisorWebsocket() http.Handler {
	return advice.NewWebsocketHandler(s.advisor, s.log.With("component", "advisor-ws"))
}
