package common

import (
	"strings"
)

// Splits a comma separated string consisting of key value pairs,
// e.g. "k1=v1,k2=v2", into a map. Malformed pairs are skipped.
func SplitCommaSepToMap(commaSepString string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(commaSepString, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		m[kv[0]] = kv[1]
	}
	return m
}
