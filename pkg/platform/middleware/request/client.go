package request

import (
	"context"

	"github.com/mssola/useragent"

	"actnexus/pkg/requestcontext"
)

// ClientLabel summarizes the caller's User-Agent as "browser/os", "bot" or "".
func ClientLabel(ctx context.Context) string {
	raw := requestcontext.UserAgent(ctx)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		return "bot"
	}
	name, version := ua.Browser()
	label := name
	if version != "" {
		label += " " + version
	}
	if os := ua.OS(); os != "" {
		label += "/" + os
	}
	if ua.Mobile() {
		label += " (mobile)"
	}
	return label
}
