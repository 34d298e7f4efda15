package ratelimit

import (
	"fmt"
	"net/url"
	"strings"
)

// Placeholders whose values get their own bucket even when the server
// reports a shared bucket hash.
var majorParams = map[string]bool{
	"guild.id":      true,
	"channel.id":    true,
	"webhook.id":    true,
	"webhook.token": true,
}

// Route is a REST endpoint resolved from a template such as
// "/channels/{channel.id}/messages/{message.id}".
type Route struct {
	Method   string
	Template string
	Path     string
	Major    string
}

// NewRoute fills the placeholders of template with args in order.
func NewRoute(method, template string, args ...any) Route {
	var path, major strings.Builder
	rest := template
	i := 0
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			break
		}
		end += open

		name := rest[open+1 : end]
		val := ""
		if i < len(args) {
			val = fmt.Sprint(args[i])
		}
		i++

		path.WriteString(rest[:open])
		path.WriteString(url.PathEscape(val))
		if majorParams[name] {
			if major.Len() > 0 {
				major.WriteByte(':')
			}
			major.WriteString(val)
		}
		rest = rest[end+1:]
	}
	path.WriteString(rest)

	return Route{
		Method:   method,
		Template: template,
		Path:     path.String(),
		Major:    major.String(),
	}
}

// String is the route template, safe to use as a metrics label.
func (r Route) String() string {
	return r.Method + " " + r.Template
}

func (r Route) key() string {
	return r.String() + "|" + r.Major
}
