package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/randalmurphal/dsrgraph/pkg/dsrgraph/taskstore"
)

// parseIdentity turns key=value pairs into an identity seed. Values that
// parse as integers are passed as int64.
func parseIdentity(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one --identity key=value is required")
	}
	identity := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("identity %q: expected key=value", pair)
		}
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			identity[key] = n
			continue
		}
		identity[key] = value
	}
	return identity, nil
}

// parseConsent turns data_use=true|false pairs into consent preferences.
func parseConsent(pairs []string) ([]taskstore.ConsentPreference, error) {
	prefs := make([]taskstore.ConsentPreference, 0, len(pairs))
	for _, pair := range pairs {
		use, value, ok := strings.Cut(pair, "=")
		if !ok || use == "" {
			return nil, fmt.Errorf("consent %q: expected data_use=true|false", pair)
		}
		optIn, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("consent %q: %w", pair, err)
		}
		prefs = append(prefs, taskstore.ConsentPreference{DataUse: use, OptIn: optIn})
	}
	return prefs, nil
}
