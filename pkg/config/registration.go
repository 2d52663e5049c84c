package config

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

type namespace struct {
	Exclusive bool   `yaml:"exclusive"`
	Regex     string `yaml:"regex"`
}

type namespaces struct {
	Users   []namespace `yaml:"users"`
	Aliases []namespace `yaml:"aliases"`
	Rooms   []namespace `yaml:"rooms"`
}

type registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     bool       `yaml:"rate_limited"`
	Namespaces      namespaces `yaml:"namespaces"`
}

// Registration renders the appservice registration file the homeserver
// needs to route the bridge namespace to this process.
func (c *Config) Registration() ([]byte, error) {
	if c.Appservice.ASToken == "" || c.Appservice.HSToken == "" {
		return nil, fmt.Errorf("as_token and hs_token must be set before rendering a registration")
	}
	server := regexp.QuoteMeta(c.Homeserver.Name)
	prefix := regexp.QuoteMeta(c.Appservice.NamespacePrefix)
	reg := registration{
		ID:              c.Appservice.ID,
		URL:             c.Appservice.URL,
		ASToken:         c.Appservice.ASToken,
		HSToken:         c.Appservice.HSToken,
		SenderLocalpart: c.Appservice.BotLocalpart,
		Namespaces: namespaces{
			Users:   []namespace{{Exclusive: true, Regex: "@" + prefix + ".*:" + server}},
			Aliases: []namespace{{Exclusive: true, Regex: "#" + prefix + ".*:" + server}},
			Rooms:   []namespace{},
		},
	}
	return yaml.Marshal(&reg)
}
