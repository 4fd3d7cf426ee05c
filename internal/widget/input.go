// Package widget holds the panel's interactive components. Each component
// turns DOM events into intents, folds intents into its model and renders
// the model to a view tree.
package widget

import (
	"github.com/rcourtman/quartermaster/internal/view"
	"golang.org/x/net/html"
)

// Event kinds forwarded by the client.
const (
	EventInput = "input"
	EventClick = "click"
)

// PrimaryButton is the mouse button value of a primary click.
const PrimaryButton = 0

// DOMEvent is one event forwarded from the browser.
type DOMEvent struct {
	Kind   string `json:"kind"`
	Target string `json:"target"` // id of the element the event fired on
	Value  string `json:"value,omitempty"`
	Button int    `json:"button,omitempty"`
}

// Props configure a LabeledInput.
type Props struct {
	ID          string // scope for the widget's element ids
	DisplayName string
	Initial     string
	Type        string // "text" or "password"
}

// LabeledInput is a label followed by a text input.
type LabeledInput struct {
	props Props
	value string
}

// NewLabeledInput creates an input showing props.Initial.
func NewLabeledInput(props Props) *LabeledInput {
	if props.Type == "" {
		props.Type = "text"
	}
	return &LabeledInput{props: props, value: props.Initial}
}

// InputID is the id of the input element. Events on any other element are
// not this widget's.
func (w *LabeledInput) InputID() string {
	return w.props.ID + "-input"
}

// Intent extracts the new value from an input event aimed at this widget.
func (w *LabeledInput) Intent(evt DOMEvent) (string, bool) {
	if evt.Kind != EventInput || evt.Target != w.InputID() {
		return "", false
	}
	return evt.Value, true
}

// Update replaces the model. The latest value wins.
func (w *LabeledInput) Update(value string) {
	w.value = value
}

// Value is the current model.
func (w *LabeledInput) Value() string {
	return w.value
}

// Props returns the widget's configuration.
func (w *LabeledInput) Props() Props {
	return w.props
}

// View renders the label and input for the current value.
func (w *LabeledInput) View() *html.Node {
	id := w.InputID()
	return view.Element("div", view.Attrs{"class": "labeled-input", "data-scope": w.props.ID},
		view.Element("label", view.Attrs{"class": "label", "for": id}, view.Text(w.props.DisplayName)),
		view.Element("input", view.Attrs{
			"id":    id,
			"class": "input",
			"type":  w.props.Type,
			"value": w.value,
		}),
	)
}
