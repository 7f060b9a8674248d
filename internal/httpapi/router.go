package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterSubjectRoutes 注册监护对象路由
func (r *Router) RegisterSubjectRoutes(h *SubjectHandler) {
	// list
	r.Handle("/monitor/api/v1/subjects", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.ListSubjects(w, req)
	})

	// subjects/{id}
	// subjects/{id}/checkin
	// subjects/{id}/activity/export
	r.Handle("/monitor/api/v1/subjects/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/monitor/api/v1/subjects/")
		parts := strings.Split(rest, "/")

		switch {
		case len(parts) == 1 && parts[0] != "":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.GetSubject(w, req, parts[0])
		case len(parts) == 2 && parts[1] == "checkin":
			if req.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.PostCheckin(w, req, parts[0])
		case len(parts) == 3 && parts[1] == "activity" && parts[2] == "export":
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.ExportActivity(w, req, parts[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	// health
	r.Handle("/monitor/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
