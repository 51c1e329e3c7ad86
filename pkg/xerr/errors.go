package xerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

// 常用错误码定义（HTTP 接口返回）
const (
	OK                 = 200
	RequestParamsError = 400
	RecordNotFound     = 404
	TooManyRequests    = 429
	ServerCommonError  = 500
	DbError            = 501
	VenueUnavailable   = 503
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

func MapErrMsg(code int) string {
	switch code {
	case RequestParamsError:
		return "参数错误"
	case RecordNotFound:
		return "记录不存在"
	case TooManyRequests:
		return "请求过于频繁"
	case ServerCommonError:
		return "服务器开小差了"
	case DbError:
		return "数据库繁忙"
	case VenueUnavailable:
		return "行情源不可用"
	default:
		return "未知错误"
	}
}

// Kind 行情链路的错误分类
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidSymbol
	KindRateLimited
	KindTransientNetwork
	KindStoreWrite
	KindTransportSend
	KindSessionLost
)

func (k Kind) String() string {
	switch k {
	case KindInvalidSymbol:
		return "invalid_symbol"
	case KindRateLimited:
		return "rate_limited"
	case KindTransientNetwork:
		return "transient_network"
	case KindStoreWrite:
		return "store_write"
	case KindTransportSend:
		return "transport_send"
	case KindSessionLost:
		return "session_lost"
	default:
		return "unknown"
	}
}

// Error 带分类的错误，Op/Venue/Symbol 只用于日志定位
type Error struct {
	Kind   Kind
	Op     string
	Venue  string
	Symbol string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Venue != "" {
		msg += " venue=" + e.Venue
	}
	if e.Symbol != "" {
		msg += " symbol=" + e.Symbol
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, xerr.ErrInvalidSymbol) 这类按 Kind 比较成立
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Venue == "" && t.Symbol == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidSymbol    = &Error{Kind: KindInvalidSymbol}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrTransientNetwork = &Error{Kind: KindTransientNetwork}
	ErrStoreWrite       = &Error{Kind: KindStoreWrite}
	ErrTransportSend    = &Error{Kind: KindTransportSend}
	ErrSessionLost      = &Error{Kind: KindSessionLost}
)

func Wrap(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithSymbol 补充定位信息，已分类的错误保留原 Kind
func WithSymbol(err error, venue, symbol string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.Venue == "" {
			cp.Venue = venue
		}
		if cp.Symbol == "" {
			cp.Symbol = symbol
		}
		return &cp
	}
	return &Error{Kind: KindOf(err), Venue: venue, Symbol: symbol, Err: err}
}

// KindOf 对任意错误做分类。未分类的网络错误按瞬时错误处理。
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindUnknown
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return KindTransientNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransientNetwork
	}
	return KindUnknown
}

// FromHTTPStatus 行情源 REST 状态码映射
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return KindRateLimited
	case status == http.StatusBadRequest || status == http.StatusNotFound:
		return KindInvalidSymbol
	case status >= 500:
		return KindTransientNetwork
	default:
		return KindUnknown
	}
}

func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransientNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// HTTPStatus 对外接口用的状态码
func HTTPStatus(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) && ce.Code >= 400 && ce.Code < 600 {
		if ce.Code == DbError {
			return http.StatusInternalServerError
		}
		return ce.Code
	}
	switch KindOf(err) {
	case KindInvalidSymbol:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransientNetwork, KindSessionLost:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
