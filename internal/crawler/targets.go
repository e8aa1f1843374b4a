package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// DirectSentinel is the proxy_config list entry that stands for "no proxy".
const DirectSentinel = "direct"

// ParseProxySetting normalises a raw proxy_config value into a TargetSequence.
// Accepted shapes: nil, a single proxy (URL string or map), or a list mixing
// proxies and the "direct" sentinel. Order and duplicates are preserved.
func ParseProxySetting(raw any) (TargetSequence, error) {
	switch v := raw.(type) {
	case nil:
		return NewTargetSequence(), nil
	case TargetSequence:
		if v.Len() == 0 {
			return NewTargetSequence(), nil
		}
		return v, nil
	case []any:
		return parseProxyList(v)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return parseProxyList(items)
	case []map[string]any:
		items := make([]any, len(v))
		for i, m := range v {
			items[i] = m
		}
		return parseProxyList(items)
	case []ProxyConfig:
		targets := make([]Target, 0, len(v))
		for _, p := range v {
			target, err := parseProxyEntry(p)
			if err != nil {
				return TargetSequence{}, err
			}
			targets = append(targets, target)
		}
		return NewTargetSequence(targets...), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return NewTargetSequence(), nil
		}
	}
	target, err := parseProxyEntry(raw)
	if err != nil {
		return TargetSequence{}, err
	}
	return NewTargetSequence(target), nil
}

func parseProxyList(items []any) (TargetSequence, error) {
	targets := make([]Target, 0, len(items))
	for i, item := range items {
		target, err := parseProxyEntry(item)
		if err != nil {
			return TargetSequence{}, fmt.Errorf("proxy_config[%d]: %w", i, err)
		}
		targets = append(targets, target)
	}
	return NewTargetSequence(targets...), nil
}

func parseProxyEntry(raw any) (Target, error) {
	switch v := raw.(type) {
	case nil:
		return DirectTarget(), nil
	case Target:
		return v, nil
	case ProxyConfig:
		return proxyFromFields(v.Server, v.Username, v.Password)
	case *ProxyConfig:
		if v == nil {
			return DirectTarget(), nil
		}
		return proxyFromFields(v.Server, v.Username, v.Password)
	case string:
		s := strings.TrimSpace(v)
		if strings.EqualFold(s, DirectSentinel) {
			return DirectTarget(), nil
		}
		return proxyFromFields(s, "", "")
	case map[string]any:
		return proxyFromMap(func(k string) (any, bool) {
			val, ok := v[k]
			return val, ok
		})
	case map[any]any:
		return proxyFromMap(func(k string) (any, bool) {
			val, ok := v[k]
			return val, ok
		})
	case map[string]string:
		return proxyFromMap(func(k string) (any, bool) {
			val, ok := v[k]
			return val, ok
		})
	default:
		return Target{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidProxySetting, raw)
	}
}

func proxyFromMap(get func(string) (any, bool)) (Target, error) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if val, ok := get(k); ok && val != nil {
				return strings.TrimSpace(fmt.Sprint(val))
			}
		}
		return ""
	}
	return proxyFromFields(str("server", "url"), str("username"), str("password"))
}

func proxyFromFields(server, username, password string) (Target, error) {
	server = strings.TrimSpace(server)
	if server == "" {
		return Target{}, fmt.Errorf("%w: proxy server is required", ErrInvalidProxySetting)
	}
	if strings.EqualFold(server, DirectSentinel) {
		return DirectTarget(), nil
	}
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		return Target{}, fmt.Errorf("%w: bad proxy server %q", ErrInvalidProxySetting, server)
	}
	if u.User != nil {
		if username == "" {
			username = u.User.Username()
		}
		if pw, ok := u.User.Password(); ok && password == "" {
			password = pw
		}
		u.User = nil
	}
	return ProxyTarget(ProxyConfig{
		Server:   u.String(),
		Username: username,
		Password: password,
	}), nil
}
