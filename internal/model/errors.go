package model

import "errors"

// 错误分类，由 handler 层通过 errors.Is 映射为 HTTP 状态码。
var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrUpstream    = errors.New("upstream failure")
	ErrPersistence = errors.New("persistence failure")
)
