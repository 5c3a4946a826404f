// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package types

import (
	"strings"
	"time"
)

// Rect is an element's bounding rectangle in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementSnapshot captures one interactive candidate element at snapshot
// time. Index is the only handle the evaluation pipeline may reference;
// everything else is descriptive context for the evaluator.
type ElementSnapshot struct {
	// Index is the element's position in the snapshot's ordered candidate
	// list. Decisions reference candidates exclusively by this index.
	Index int `json:"index"`

	Tag  string `json:"tag"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`

	Classes []string `json:"classes,omitempty"`
	Text    string   `json:"text,omitempty"`

	AriaLabel   string `json:"aria_label,omitempty"`
	AriaRole    string `json:"aria_role,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Title       string `json:"title,omitempty"`

	// ContainerPath is the ancestor chain ("main > form#login > div.row").
	ContainerPath string `json:"container_path,omitempty"`

	// NearbyLabels are label/legend texts adjacent to the element.
	NearbyLabels []string `json:"nearby_labels,omitempty"`

	Visible bool `json:"visible"`
	Enabled bool `json:"enabled"`

	Bounds Rect `json:"bounds"`

	// DataAttributes holds data-* attributes (test ids live here).
	DataAttributes map[string]string `json:"data_attributes,omitempty"`
}

// PreferredLocator derives the most stable locator for the element,
// walking an id > name > link-text > css > tag ladder. The result is
// what a SUCCESS HealResult reports as the healed locator.
func (e *ElementSnapshot) PreferredLocator() Locator {
	switch {
	case e.ID != "":
		return Locator{Strategy: StrategyID, Value: e.ID}
	case e.Name != "":
		return Locator{Strategy: StrategyName, Value: e.Name}
	case strings.EqualFold(e.Tag, "a") && strings.TrimSpace(e.Text) != "":
		return Locator{Strategy: StrategyLinkText, Value: strings.TrimSpace(e.Text)}
	case len(e.Classes) > 0 || e.Type != "":
		return Locator{Strategy: StrategyCSS, Value: e.cssSelector()}
	case e.Tag != "":
		return Locator{Strategy: StrategyTag, Value: strings.ToLower(e.Tag)}
	default:
		return Locator{}
	}
}

// cssSelector builds "tag.class1.class2[type='submit']" from the element's
// tag, classes and type attribute.
func (e *ElementSnapshot) cssSelector() string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(e.Tag))
	for _, c := range e.Classes {
		c = strings.TrimSpace(c)
		if c != "" {
			sb.WriteString(".")
			sb.WriteString(c)
		}
	}
	if e.Type != "" {
		sb.WriteString("[type='")
		sb.WriteString(e.Type)
		sb.WriteString("']")
	}
	return sb.String()
}

// DescriptiveText joins the element's human-visible texts for guardrail
// keyword scanning: inner text, aria-label, placeholder, title, nearby
// labels.
func (e *ElementSnapshot) DescriptiveText() string {
	parts := make([]string, 0, 4+len(e.NearbyLabels))
	for _, p := range []string{e.Text, e.AriaLabel, e.Placeholder, e.Title} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, e.NearbyLabels...)
	return strings.Join(parts, " ")
}

// UiSnapshot is point-in-time page state, built on demand by the
// caller-supplied snapshot collaborator and immutable once returned.
type UiSnapshot struct {
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Language string `json:"language,omitempty"`

	// Elements is the ordered candidate list; ElementSnapshot.Index must
	// equal the element's position here.
	Elements []ElementSnapshot `json:"elements"`

	// Screenshot is an optional PNG capture used only for evidence
	// archival; it never reaches the evaluation prompt.
	Screenshot []byte `json:"-"`

	// DOM is optional serialized page markup for evidence archival.
	DOM string `json:"-"`

	CapturedAt time.Time `json:"captured_at"`
}

// ElementAt returns the candidate at the given index, or false when the
// index is outside the snapshot.
func (s *UiSnapshot) ElementAt(index int) (*ElementSnapshot, bool) {
	if index < 0 || index >= len(s.Elements) {
		return nil, false
	}
	return &s.Elements[index], true
}

// CandidateTexts returns every candidate's descriptive text in order,
// for the guardrail pre-check.
func (s *UiSnapshot) CandidateTexts() []string {
	texts := make([]string, len(s.Elements))
	for i := range s.Elements {
		texts[i] = s.Elements[i].DescriptiveText()
	}
	return texts
}
