package ussd

import (
	"context"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
)

// MenuTexts resolves localized menu text through a short lived in
// process cache in front of the datastore
type MenuTexts struct {
	datastore Datastore
	cache     *cache.Cache
}

// NewMenuTexts creates a menu text resolver with a 5 minute cache
func NewMenuTexts(datastore Datastore) *MenuTexts {
	return &MenuTexts{
		datastore: datastore,
		cache:     cache.New(5*time.Minute, 10*time.Minute),
	}
}

// Text resolves the menu text for a key, substituting {variable}
// placeholders from vars. Missing keys degrade to a marker string so
// the dialogue never dead ends.
func (m *MenuTexts) Text(ctx context.Context, country, language, key string, vars map[string]string) string {
	cacheKey := country + ":" + language + ":" + key

	var text string
	if v, ok := m.cache.Get(cacheKey); ok {
		text = v.(string)
	} else {
		t, err := m.datastore.GetMenuText(ctx, country, language, key)
		if err == nil && len(t) > 0 {
			m.cache.Set(cacheKey, t, cache.DefaultExpiration)
		}
		text = t
	}

	if len(text) == 0 {
		return "Menu text not found: " + key
	}

	for k, v := range vars {
		text = strings.ReplaceAll(text, "{"+k+"}", v)
	}
	return text
}
