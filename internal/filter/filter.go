// Package filter selects resources by exact tag match.
package filter

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/amisync/pkg/image"
)

// Selector is a single key=value tag requirement.
type Selector struct {
	Key   string
	Value string
}

// Parse reads a selector in "key=value" form. The value may be empty
// but the separator and key may not.
func Parse(s string) (Selector, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Selector{}, fmt.Errorf("tag selector %q: want key=value", s)
	}
	return Selector{Key: key, Value: strings.TrimSpace(value)}, nil
}

// MustParse is Parse for compile-time constants.
func MustParse(s string) Selector {
	sel, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sel
}

func (s Selector) String() string {
	return s.Key + "=" + s.Value
}

// Matches reports whether tags carry the selector's key with its exact value.
func (s Selector) Matches(tags image.Tags) bool {
	return tags.Matches(s.Key, s.Value)
}

// EC2Filter renders the selector as a server-side describe filter.
func (s Selector) EC2Filter() types.Filter {
	return types.Filter{
		Name:   aws.String("tag:" + s.Key),
		Values: []string{s.Value},
	}
}

// Filter controls which launch templates are selected.
type Filter struct {
	include []Selector
	exclude []Selector
}

// New creates a Filter. Every include selector must match; any exclude
// selector match rejects.
func New(include, exclude []Selector) *Filter {
	return &Filter{include: include, exclude: exclude}
}

// ShouldInclude returns true if tags pass the filter.
func (f *Filter) ShouldInclude(tags image.Tags) bool {
	for _, s := range f.include {
		if !s.Matches(tags) {
			return false
		}
	}
	for _, s := range f.exclude {
		if s.Matches(tags) {
			return false
		}
	}
	return true
}

// Templates returns the templates that pass the filter, in input order.
func (f *Filter) Templates(templates []image.Template) []image.Template {
	selected := make([]image.Template, 0, len(templates))
	for _, t := range templates {
		if f.ShouldInclude(t.Tags) {
			selected = append(selected, t)
		}
	}
	return selected
}
