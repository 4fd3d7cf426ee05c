package widget

import (
	"github.com/rcourtman/quartermaster/internal/registration"
	"github.com/rcourtman/quartermaster/internal/status"
	"github.com/rcourtman/quartermaster/internal/view"
	"golang.org/x/net/html"
)

// Element ids of the form.
const (
	FormID         = "registration-form"
	SubmitButtonID = "registration-btn"
)

type field struct {
	key   string
	input *LabeledInput
}

// Form collects the registration fields into a payload and hands it over on
// the first primary click of its submit button. After that it is frozen:
// further edits and clicks are ignored.
type Form struct {
	fields    []field
	payload   registration.Payload
	submitted bool
}

// NewForm creates the registration form with empty fields.
func NewForm() *Form {
	f := &Form{
		fields: []field{
			{registration.KeyLogin, NewLabeledInput(Props{ID: "login", DisplayName: "Login"})},
			{registration.KeyPassword, NewLabeledInput(Props{ID: "password", DisplayName: "Password", Type: "password"})},
			{registration.KeyKeys, NewLabeledInput(Props{ID: "keys", DisplayName: "Activation Keys"})},
			{registration.KeyOrg, NewLabeledInput(Props{ID: "org", DisplayName: "Organization"})},
		},
		payload: registration.Payload{},
	}
	for _, fl := range f.fields {
		if v := fl.input.Value(); v != "" {
			f.fold(fl.key, v)
		}
	}
	return f
}

// Handle feeds one event through the form. It returns the payload snapshot
// when the event submits the form.
func (f *Form) Handle(evt DOMEvent) (registration.Payload, bool) {
	if f.submitted {
		return nil, false
	}
	for _, fl := range f.fields {
		if v, ok := fl.input.Intent(evt); ok {
			fl.input.Update(v)
			f.fold(fl.key, v)
			return nil, false
		}
	}
	if evt.Kind == EventClick && evt.Target == SubmitButtonID && evt.Button == PrimaryButton {
		f.submitted = true
		return f.payload.Clone(), true
	}
	return nil, false
}

// fold merges one field update into the payload; the last write per key wins.
func (f *Form) fold(key, value string) {
	if key == registration.KeyKeys {
		f.payload[key] = registration.SplitKeys(value)
		return
	}
	f.payload[key] = value
}

// Submitted reports whether the form has handed over its payload.
func (f *Form) Submitted() bool {
	return f.submitted
}

// Payload returns a copy of the fields edited so far.
func (f *Form) Payload() registration.Payload {
	return f.payload.Clone()
}

// Value returns the displayed value of one field.
func (f *Form) Value(key string) string {
	for _, fl := range f.fields {
		if fl.key == key {
			return fl.input.Value()
		}
	}
	return ""
}

// View renders the fields and the submit button. The button label follows
// the entitlement status.
func (f *Form) View(current status.EntitlementStatus) *html.Node {
	children := make([]*html.Node, 0, len(f.fields)+1)
	for _, fl := range f.fields {
		children = append(children, fl.input.View())
	}

	button := view.Attrs{"id": SubmitButtonID, "type": "button", "class": "btn btn-primary"}
	if f.submitted {
		button["disabled"] = "disabled"
	}
	children = append(children, view.Element("button", button, view.Text(view.ButtonLabel(current))))

	return view.Element("div", view.Attrs{"id": FormID, "class": "registration-form"}, children...)
}
