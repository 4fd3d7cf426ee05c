package view

import (
	"github.com/rcourtman/quartermaster/internal/status"
	"golang.org/x/net/html"
)

// Element ids the client script relies on.
const (
	StatusViewID   = "status-view"
	StatusButtonID = "register-btn"
	BannerID       = "banner"
)

// Banner is a one-line notice above the status line.
type Banner struct {
	Kind    string // "success" or "failure"
	Message string
}

// ButtonLabel is the label of the status and form buttons: unregistering is
// only offered to a validly registered system.
func ButtonLabel(s status.EntitlementStatus) string {
	if s.Registered() {
		return "Unregister"
	}
	return "Register"
}

// Status renders the status line, the register/unregister button and the
// banner, if any. busy disables the button while a request is in flight.
func Status(s status.EntitlementStatus, banner *Banner, busy bool) *html.Node {
	button := Attrs{
		"id":          StatusButtonID,
		"type":        "button",
		"class":       "btn btn-primary",
		"data-action": "toggle-form",
	}
	if busy {
		button["disabled"] = "disabled"
	}

	return Element("div", Attrs{"id": StatusViewID, "class": "status-view"},
		renderBanner(banner),
		Element("label", nil, Text("Status: the system is "+s.String())),
		Element("button", button, Text(ButtonLabel(s))),
	)
}

func renderBanner(b *Banner) *html.Node {
	if b == nil || b.Message == "" {
		return nil
	}
	kind := b.Kind
	if kind == "" {
		kind = "info"
	}
	return Element("div", Attrs{"id": BannerID, "class": "banner banner-" + kind, "role": "alert"},
		Text(b.Message),
	)
}
