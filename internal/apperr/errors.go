// Package apperr 定义服务器生命周期各组件共享的错误分类，并负责把错误映射为 HTTP 状态码与错误码。
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrUpstreamUnavailable 表示无法连通上游（网络/传输失败或非预期状态码），调用方可重试。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrMalformedUpstreamResponse 表示上游响应结构不符合约定，通常意味着 API 版本不匹配。
	ErrMalformedUpstreamResponse = errors.New("malformed upstream response")
	// ErrVersionNotFound 表示请求合法但上游没有对应的版本/构建。
	ErrVersionNotFound = errors.New("version not found")
	// ErrTransfer 表示下载或本地写入失败。
	ErrTransfer = errors.New("transfer failed")
	// ErrUnsupportedOperation 表示操作不适用于实例的品牌，例如在 vanilla 上安装插件。
	ErrUnsupportedOperation = errors.New("unsupported operation")
	// ErrNotFound 表示实例或插件不存在。
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName 表示实例名（或同一实例内的插件）冲突。
	ErrDuplicateName = errors.New("duplicate name")
	// ErrInvalidInput 表示调用方提供的品牌、名称或请求体不合法。
	ErrInvalidInput = errors.New("invalid input")
)

type mapping struct {
	err    error
	status int
	code   string
}

// 顺序即优先级：同一错误链同时命中多个哨兵时取靠前者。
var mappings = []mapping{
	{ErrInvalidInput, http.StatusBadRequest, "bad_request"},
	{ErrUnsupportedOperation, http.StatusBadRequest, "unsupported_operation"},
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrDuplicateName, http.StatusConflict, "duplicate_name"},
	{ErrVersionNotFound, http.StatusUnprocessableEntity, "version_not_found"},
	{ErrMalformedUpstreamResponse, http.StatusBadGateway, "malformed_upstream_response"},
	{ErrUpstreamUnavailable, http.StatusServiceUnavailable, "upstream_unavailable"},
	{ErrTransfer, http.StatusInternalServerError, "transfer_failed"},
}

// Status 返回错误对应的 HTTP 状态码，未分类错误返回 500。
func Status(err error) int {
	if m, ok := lookup(err); ok {
		return m.status
	}
	return http.StatusInternalServerError
}

// Code 返回错误对应的稳定错误码，供 JSON 响应和日志使用。
func Code(err error) string {
	if m, ok := lookup(err); ok {
		return m.code
	}
	return "internal_error"
}

// Retryable 报告调用方是否可以原样重试该请求。经 Permanent 标记的错误永远不可重试。
func Retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrTransfer)
}

// Permanent 标记重试也不会成功的错误（例如上游明确拒绝的 4xx），分类与状态码不变。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

func lookup(err error) (mapping, bool) {
	if err == nil {
		return mapping{}, false
	}
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m, true
		}
	}
	return mapping{}, false
}
