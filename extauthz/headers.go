package extauthz

import (
	"strings"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
)

// ExtractHeader reads a single header value off a CheckRequest, handling
// both wire representations Envoy can send depending on the ext_authz
// filter's pack_as_bytes setting: the default lower-cased, comma-joined
// map (Headers) and the raw, duplicate-preserving list (HeaderMap, sent
// when pack_as_bytes is enabled). HeaderMap is consulted first since it is
// the richer representation when present.
func ExtractHeader(req *authv3.CheckRequest, key string) (string, bool) {
	http := req.GetAttributes().GetRequest().GetHttp()
	if http == nil {
		return "", false
	}
	key = strings.ToLower(key)

	if hm := http.GetHeaderMap(); hm != nil {
		for _, h := range hm.GetHeaders() {
			if strings.ToLower(h.GetKey()) == key {
				if len(h.GetRawValue()) > 0 {
					return string(h.GetRawValue()), true
				}
				return h.GetValue(), true
			}
		}
	}

	if headers := http.GetHeaders(); headers != nil {
		if v, ok := headers[key]; ok {
			return v, true
		}
	}

	return "", false
}

// ExtractHeaderValues splits a comma-joined header value (Envoy's default
// representation for repeated headers) into individual values.
func ExtractHeaderValues(req *authv3.CheckRequest, key string) []string {
	value, ok := ExtractHeader(req, key)
	if !ok || value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
