package httpserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wasched/internal/observability"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	r := mux.NewRouter()
	r.Use(Metrics(observability.APIRequests))
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return &Server{Mux: r}
}

// Handler wraps the router with CORS, request ids, access logs and panic
// recovery, outermost first.
func (s *Server) Handler(corsOrigins []string) http.Handler {
	var h http.Handler = s.Mux
	h = Recover(h)
	h = Logging(h)
	h = RequestID(h)
	return CORS(corsOrigins)(h)
}
