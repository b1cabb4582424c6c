// Package aliases maps user-facing destination names to Discord
// channel ids and webhook URLs. Channels must be registered under an
// alias; webhooks may also be given as literal URLs.
package aliases

import (
	"fmt"
	"net/url"
	"strings"

	"voxpipe/internal/config"
)

type UnknownAliasError struct {
	Kind string // "channel" or "webhook"
	Name string
}

func (e UnknownAliasError) Error() string {
	return fmt.Sprintf("unknown %s alias %q", e.Kind, e.Name)
}

// ResolveChannel maps a channel alias to its id. Raw channel ids are
// rejected: a channel destination must be registered in config first.
func ResolveChannel(cfg *config.Config, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("channel alias is empty")
	}
	if cfg != nil {
		if id, ok := cfg.Discord.ChannelAliases[name]; ok {
			return id, nil
		}
	}
	return "", UnknownAliasError{Kind: "channel", Name: name}
}

// ResolveWebhooks expands a comma-separated list of webhook aliases
// and/or literal URLs. Every token must resolve; a token that is
// neither a registered alias nor an absolute http(s) URL fails the
// whole list.
func ResolveWebhooks(cfg *config.Config, raw string) ([]string, error) {
	var out []string
	for _, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if cfg != nil {
			if u, ok := cfg.Discord.WebhookAliases[token]; ok {
				out = append(out, u)
				continue
			}
		}
		if isWebhookURL(token) {
			out = append(out, token)
			continue
		}
		return nil, UnknownAliasError{Kind: "webhook", Name: token}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no webhook destinations given")
	}
	return out, nil
}

func isWebhookURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
