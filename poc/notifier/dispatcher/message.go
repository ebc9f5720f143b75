package dispatcher

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/margo/index-notifier/poc/notifier/types"
)

const linkSeparator = " | "

// RenderMessage formats the HTML notification for event. Link URLs may contain the
// {name} and {version} placeholders.
func RenderMessage(event types.LifecycleEvent, links []types.LinkConfig) string {
	name, vers := event.Record.Name, event.Record.Vers

	rendered := make([]string, 0, len(links))
	placeholders := strings.NewReplacer(
		"{name}", url.PathEscape(name),
		"{version}", url.PathEscape(vers),
	)
	for _, link := range links {
		rendered = append(rendered, fmt.Sprintf(`<a href="%s">%s</a>`,
			html.EscapeString(placeholders.Replace(link.URL)),
			html.EscapeString(link.Title),
		))
	}

	message := fmt.Sprintf("Crate was %s: <code>%s#%s</code>",
		event.Kind.Verb(),
		html.EscapeString(name),
		html.EscapeString(vers),
	)
	if len(rendered) > 0 {
		message += " " + strings.Join(rendered, linkSeparator)
	}
	return message
}
