// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "errors"

// Transport errors.
var (
	ErrEmptyURL          = errors.New("broker URL cannot be empty")
	ErrUnsupportedScheme = errors.New("unsupported broker URL scheme")
	ErrUnsupportedProxy  = errors.New("unsupported proxy URL scheme")
	ErrUnexpectedFrame   = errors.New("expected binary websocket message")
	ErrInvalidTLSConfig  = errors.New("invalid TLS configuration")
)
