package iam

import "errors"

var (
	ErrNotFound     = errors.New("iam: not found")
	ErrConflict     = errors.New("iam: constraint violation")
	ErrUnknownRole  = errors.New("iam: role not in allowed set")
	ErrStorage      = errors.New("iam: storage unavailable")
	ErrInvalidInput = errors.New("iam: invalid input")
)
