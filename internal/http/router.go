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

// HandleHandler 支持 http.Handler 接口（用于 pprof 等）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

const emailChangeBase = "/accounts/api/v1/email-change"

// RegisterEmailChangeRoutes 注册邮箱变更路由
func (r *Router) RegisterEmailChangeRoutes(h *EmailChangeHandler) {
	// submit / list
	r.Handle(emailChangeBase+"/requests", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.Submit(w, req)
		case http.MethodGet:
			h.List(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// export（必须先于 /requests/ 前缀匹配之外单独判断，这里用子路径分发统一处理）
	r.Handle(emailChangeBase+"/requests/", func(w http.ResponseWriter, req *http.Request) {
		subpath := strings.TrimPrefix(req.URL.Path, emailChangeBase+"/requests/")
		if subpath == "export" {
			if req.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			h.Export(w, req)
			return
		}
		h.ServeRequestSubpath(w, req, subpath)
	})

	// verify（公开，无需网关身份）
	r.Handle(emailChangeBase+"/verify", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost && req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.Verify(w, req)
	})
}

// RegisterHealthRoutes 健康检查
func (r *Router) RegisterHealthRoutes() {
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
