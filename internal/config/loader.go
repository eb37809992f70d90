// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	// EnvPrefix of the environment variables overriding the configuration, e.g. JETPOINTNET_BATCH_SIZE.
	EnvPrefix = "JETPOINTNET_"

	// EnvConfigFile is the environment variable with the path to the YAML configuration file, used if
	// no path is given to Load.
	EnvConfigFile = EnvPrefix + "CONFIG"
)

// Load builds a Config by layering defaults, an optional YAML file, and environment variables.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. YAML file at path, or at $JETPOINTNET_CONFIG if path is empty
//  3. environment variables prefixed with JETPOINTNET_
//
// If the resulting RunName is empty, a new one is generated. The config is validated before being returned.
func Load(path string) (*Config, error) {
	base := New()
	k := koanf.New(".")

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(ErrLoadConfig, "reading %q: %v", path, err)
		}
	}

	// Map env keys like JETPOINTNET_BATCH_SIZE -> batch_size (flat keys), preserving underscores to match
	// the koanf tags on the struct.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ToLower(s)
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.Wrapf(ErrLoadConfig, "reading environment: %v", err)
	}
	k.Delete("config")

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrapf(ErrLoadConfig, "decoding configuration: %v", err)
	}
	if cfg.RunName == "" {
		cfg.RunName = NewRunName()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
