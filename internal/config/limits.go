package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/chat_layer/internal/chat"
)

type limitFile struct {
	Limits map[string]struct {
		Count  int    `yaml:"count"`
		Window string `yaml:"window"`
	} `yaml:"limits"`
}

// LoadLimits returns chat.DefaultLimits overridden by the entries of the
// YAML file at path, keyed by bucket:
//
//	limits:
//	  dm:create: {count: 5, window: 30s}
func LoadLimits(path string) (chat.Limits, error) {
	limits := chat.DefaultLimits()
	if path == "" {
		return limits, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return limits, fmt.Errorf("failed to read limits config: %w", err)
	}
	var f limitFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return limits, fmt.Errorf("failed to parse limits config: %w", err)
	}

	for bucket, entry := range f.Limits {
		window, err := time.ParseDuration(entry.Window)
		if err != nil || window <= 0 {
			return limits, fmt.Errorf("bucket %s: invalid window %q", bucket, entry.Window)
		}
		l := chat.Limit{Count: entry.Count, Window: window}
		switch bucket {
		case chat.BucketDMCreate:
			limits.DMCreate = l
		case chat.BucketMsgSend:
			limits.MsgSend = l
		case chat.BucketLobbySend:
			limits.LobbySend = l
		default:
			return limits, fmt.Errorf("unknown bucket %q", bucket)
		}
	}
	return limits, nil
}
