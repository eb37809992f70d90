// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/pkg/errors"
)

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)
