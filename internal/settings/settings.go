// Package settings resolves layered runtime settings with provenance.
// Lookup order is CLI flag, then config file, then environment; the
// first tier holding a non-empty value wins and is reported as the
// source. Only registered keys may fall through to the environment.
package settings

import (
	"fmt"
	"os"
	"strings"

	"voxpipe/internal/config"
)

type Source string

const (
	SourceCLI  Source = "cli"
	SourceFile Source = "file"
	SourceEnv  Source = "env"
)

const (
	KeyOpenAIAPIKey    = "openai.api_key"
	KeyDiscordBotToken = "discord.bot_token"
)

// MissingSecretError names the key and the tiers that were consulted.
type MissingSecretError struct {
	Key   string
	Tiers []string
}

func (e MissingSecretError) Error() string {
	return fmt.Sprintf("missing secret %s (checked %s)", e.Key, strings.Join(e.Tiers, ", "))
}

type keySpec struct {
	env        string
	fromConfig func(*config.Config) string
}

var registry = map[string]keySpec{
	KeyOpenAIAPIKey: {
		env:        "OPENAI_API_KEY",
		fromConfig: func(c *config.Config) string { return c.OpenAI.APIKey },
	},
	KeyDiscordBotToken: {
		env:        "DISCORD_BOT_TOKEN",
		fromConfig: func(c *config.Config) string { return c.Discord.BotToken },
	},
}

// Resolver evaluates registered keys against the three tiers. Flags
// holds only the values actually provided on the command line.
type Resolver struct {
	Flags     map[string]string
	Config    *config.Config
	LookupEnv func(string) (string, bool)
}

// Resolve returns the value and the tier that supplied it.
func (r Resolver) Resolve(key string) (string, Source, bool) {
	spec, known := registry[key]
	if !known {
		return "", "", false
	}
	if v, ok := r.Flags[key]; ok && v != "" {
		return v, SourceCLI, true
	}
	if r.Config != nil {
		if v := spec.fromConfig(r.Config); v != "" {
			return v, SourceFile, true
		}
	}
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(spec.env); ok && v != "" {
		return v, SourceEnv, true
	}
	return "", "", false
}

// ResolveOrFail resolves key or returns MissingSecretError listing the
// tiers that were checked.
func (r Resolver) ResolveOrFail(key string) (string, Source, error) {
	if _, known := registry[key]; !known {
		return "", "", fmt.Errorf("unknown setting %q", key)
	}
	v, src, ok := r.Resolve(key)
	if !ok {
		return "", "", MissingSecretError{
			Key:   key,
			Tiers: []string{string(SourceCLI), string(SourceFile), string(SourceEnv)},
		}
	}
	return v, src, nil
}
