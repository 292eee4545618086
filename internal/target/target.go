// Package target builds the deduplicated set of injectable targets
// (GET query parameters discovered while crawling, plus HTML form
// submissions) that the injection engine probes.
package target

import (
	"net/url"
	"sort"
	"strings"

	"github.com/FranksOps/sqlisentinel/internal/scraper"
)

// Param is an ordered name/value pair. Order is preserved from discovery
// so that fresh per-target copies iterate deterministically.
type Param struct {
	Name  string
	Value string
}

// Target is a single injectable request: a method, the URL stripped of
// its query string, and the ordered parameter set to mutate.
type Target struct {
	Method string
	URL    string
	Params []Param
}

// Clone returns a Target with a fresh copy of Params, so that callers can
// mutate one parameter's value per injection attempt without affecting
// the registry's own copy or any other in-flight probe of the same
// target.
func (t Target) Clone() Target {
	params := make([]Param, len(t.Params))
	copy(params, t.Params)
	return Target{Method: t.Method, URL: t.URL, Params: params}
}

// key returns the dedup identity: (method, url, sorted (name,value) pairs).
func (t Target) key() string {
	pairs := make([]string, len(t.Params))
	for i, p := range t.Params {
		pairs[i] = p.Name + "=" + p.Value
	}
	sort.Strings(pairs)
	return t.Method + "|" + t.URL + "|" + strings.Join(pairs, "&")
}

// Discover builds the deduplicated target list from a crawl: first pass
// converts every visited URL with a non-empty query string into a GET
// target (using the first value per repeated key); second pass appends
// discovered form targets. Dedup preserves first-occurrence order.
func Discover(links []string, forms []scraper.FormTarget) []Target {
	seen := make(map[string]struct{})
	var out []Target

	for _, link := range links {
		t, ok := fromLink(link)
		if !ok {
			continue
		}
		k := t.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}

	for _, form := range forms {
		t := fromForm(form)
		k := t.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}

	return out
}

// fromLink builds a GET target from a crawled URL, preserving the
// query string's first-seen parameter order (not alphabetical) so it
// matches how the target actually appears on the wire, and keeping
// only the first value seen for a repeated key.
func fromLink(rawURL string) (Target, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.RawQuery == "" {
		return Target{}, false
	}

	seen := make(map[string]bool)
	var params []Param
	for _, raw := range strings.Split(u.RawQuery, "&") {
		if raw == "" {
			continue
		}
		name := raw
		value := ""
		if i := strings.IndexByte(raw, '='); i >= 0 {
			name, value = raw[:i], raw[i+1:]
		}
		name, err := url.QueryUnescape(name)
		if err != nil {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		value, err = url.QueryUnescape(value)
		if err != nil {
			value = ""
		}
		params = append(params, Param{Name: name, Value: value})
	}

	u.RawQuery = ""
	return Target{Method: "GET", URL: u.String(), Params: params}, true
}

func fromForm(form scraper.FormTarget) Target {
	params := make([]Param, len(form.Inputs))
	for i, in := range form.Inputs {
		params[i] = Param{Name: in.Name, Value: in.Value}
	}
	return Target{Method: form.Method, URL: form.Action, Params: params}
}
