// Package flag provides flag.Value implementations for map-valued hive
// flags.
package flag

import (
	"fmt"
	"sort"
	"strings"
)

// KV implements a comma separated list of key=value pairs, such as
// "east=10.0.0.1:7767,west=10.0.0.2:7767".
type KV struct {
	M *map[string]string
}

func (v KV) String() string {
	if v.M == nil {
		return ""
	}
	keys := make([]string, 0, len(*v.M))
	for k := range *v.M {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+(*v.M)[k])
	}
	return strings.Join(pairs, ",")
}

func (v KV) Get() interface{} {
	return *v.M
}

func (v KV) Set(val string) error {
	m := make(map[string]string)
	for _, p := range strings.Split(val, ",") {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		k, val, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return fmt.Errorf("flag: %q is not a key=value pair", p)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	*v.M = m
	return nil
}
