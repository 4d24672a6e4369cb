package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// capabilityFile is the layout of NODE_CAPABILITIES:
//
//	capabilities:
//	  - browserName: firefox
//	    version: "14"
//	    platform: LINUX
//	    seleniumProtocol: WebDriver
//	    maxInstances: 1
type capabilityFile struct {
	Capabilities []map[string]any `yaml:"capabilities"`
}

func defaultCapabilities() []map[string]any {
	return []map[string]any{{
		"browserName":      "firefox",
		"platform":         "LINUX",
		"seleniumProtocol": "WebDriver",
		"maxInstances":     1,
	}}
}

// loadCapabilities reads the advertised capabilities from path. An empty path
// yields the default capability.
func loadCapabilities(path string) ([]map[string]any, error) {
	if path == "" {
		return defaultCapabilities(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	var f capabilityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse capabilities %s: %w", path, err)
	}
	if len(f.Capabilities) == 0 {
		return nil, errors.New("capabilities file lists no capabilities")
	}
	return f.Capabilities, nil
}
