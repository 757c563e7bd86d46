package boxd

import (
	"net/http"
	"net/http/httputil"
	"strings"
)

// handleProxy forwards /p/{id}/... to the session's backing container,
// stripping the /p/{id} prefix. An unknown id is a 404 and a session with
// no resolved endpoint is a 502; absence never falls back to a default
// target.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	endpoint, ok := s.dispatcher.Resolve(id)
	if !ok {
		if _, exists := s.dispatcher.Get(id); exists {
			s.logger.Warn("proxy target has no endpoint", "session", id)
			http.Error(w, "session has no endpoint", http.StatusBadGateway)
			return
		}
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	prefix := "/p/" + id
	proxy := &httputil.ReverseProxy{
		Director: func(request *http.Request) {
			request.URL.Scheme = "http"
			request.URL.Host = endpoint
			request.URL.Path = strings.TrimPrefix(request.URL.Path, prefix)
			if request.URL.Path == "" {
				request.URL.Path = "/"
			}
			// Query and headers are preserved from the original request.
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			s.logger.Warn("proxy forward failed", "session", id, "error", err)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}

	proxy.ServeHTTP(w, r)
}
