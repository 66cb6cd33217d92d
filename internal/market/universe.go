package market

import "strings"

// Universe narrows the exchange contract listing with allow/deny lists and a cap.
type Universe struct {
	Allow []string
	Deny  []string
	Max   int
}

// Filter applies the allow list (when non-empty), then the deny list, then the cap.
// Input order is preserved.
func (u Universe) Filter(symbols []string) []string {
	allow := toSet(u.Allow)
	deny := toSet(u.Deny)

	out := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		key := strings.ToUpper(strings.TrimSpace(sym))
		if key == "" {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[key]; !ok {
				continue
			}
		}
		if _, ok := deny[key]; ok {
			continue
		}
		out = append(out, sym)
		if u.Max > 0 && len(out) >= u.Max {
			break
		}
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
