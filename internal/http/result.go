package httpapi

// Result 统一响应封套（前端 Axios 拦截器按 code 分流）
// - code: 2000 成功，-1 失败
// - type: 'success' | 'error'
// - errorCode: 失败时的符号化错误码，前端按码分支，不解析 message
type Result[T any] struct {
	Code      int    `json:"code"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode,omitempty"`
	Result    T      `json:"result"`
}

const (
	ResultSuccess = 2000
	ResultError   = -1
)

func Ok[T any](result T) Result[T] {
	return Result[T]{Code: ResultSuccess, Type: "success", Message: "ok", Result: result}
}

func Fail(errorCode, message string) Result[any] {
	return Result[any]{Code: ResultError, Type: "error", Message: message, ErrorCode: errorCode, Result: nil}
}
