package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// 常用错误码定义
const (
	OK                 = 200
	ServerCommonError  = 500
	RequestParamsError = 400
	DbError            = 501
	RecordNotFound     = 404
)

// 业务错误码
const (
	InvalidKeyError = 100101 // 主公钥格式错误
	InvalidAmount   = 100102 // 金额非法

	AddressNotFound = 200101 // 地址不是本系统派生的
	PaymentNotFound = 200102

	NoBalance       = 300101 // 地址余额为 0，归集跳过
	SweepInProgress = 300102 // 同一地址已有归集在执行
	SweepPending    = 300103 // 上一笔归集还未确认

	ChainUnavailable = 400101 // 所有链数据源都失败
	BroadcastFailed  = 400102
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s, Cause:%v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

// Is 按错误码比较，方便 errors.Is(err, domain.ErrNoBalance) 这种写法
func (e *CodeError) Is(target error) bool {
	t, ok := target.(*CodeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap 保留底层错误，外层挂上业务码
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// CodeOf 取出错误链上的第一个业务码，不是 CodeError 的一律按 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// MsgOf 对外可展示的文案，不透出底层 cause
func MsgOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return MapErrMsg(ServerCommonError)
}

func IsCode(err error, code int) bool {
	return CodeOf(err) == code
}

// HTTPStatus 业务码 -> http 状态码
func HTTPStatus(code int) int {
	switch code {
	case OK:
		return http.StatusOK
	case RequestParamsError, InvalidKeyError, InvalidAmount:
		return http.StatusBadRequest
	case RecordNotFound, AddressNotFound, PaymentNotFound:
		return http.StatusNotFound
	case SweepInProgress, SweepPending:
		return http.StatusConflict
	case NoBalance:
		return http.StatusUnprocessableEntity
	case ChainUnavailable, BroadcastFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "服务器开小差了"
	case RequestParamsError:
		return "参数错误"
	case DbError:
		return "数据库繁忙"
	case RecordNotFound:
		return "记录不存在"
	case InvalidKeyError:
		return "invalid master public key"
	case InvalidAmount:
		return "amount must be positive"
	case AddressNotFound:
		return "address not found"
	case PaymentNotFound:
		return "payment request not found"
	case NoBalance:
		return "no balance to sweep"
	case SweepInProgress:
		return "sweep already in progress"
	case SweepPending:
		return "previous sweep still pending confirmation"
	case ChainUnavailable:
		return "all chain data sources unavailable"
	case BroadcastFailed:
		return "broadcast failed"
	default:
		return "未知错误"
	}
}
