// Package compound implements the compound-asset resolver (spec.md §4.5):
// scaffold parsing, the two inheritance-merge shapes, tree assembly with
// the children-before-parent ordering guarantee (P8), cycle detection, and
// cache-key derivation for scaffold-entity and free-form indexers.
package compound

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/talonforge/assetcache/assets/marker"
	"github.com/talonforge/assetcache/assets/textfmt"
)

var log = logrus.WithField("prefix", "compound")

// ComponentRef is one `<ComponentTypeName> <entity>` attachment parsed from
// a scaffold (spec.md §4.5 scaffold parsing table).
type ComponentRef struct {
	ComponentType string
	Entity        string

	// Inline holds the sub-formatter over the component's inline chunk body
	// when the scaffold declared one directly, rather than an external
	// reference.
	Inline      *textfmt.Formatter
	ExternalRef string
	IsExternal  bool
}

// Entity is one reserved entity slot, its inherit list, and the component
// data attached to it.
type Entity struct {
	Name       string
	Index      int
	Inherits   []string
	Components []ComponentRef
}

// Scaffold is a parsed compound-asset document: the retained source blob
// (S1: the scaffold stores raw StringSections into the retained blob) plus
// its entity table.
type Scaffold struct {
	Blob     []byte
	UniqueID uint64
	Entities map[string]*Entity
	Order    []string // entity names in declaration order
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (s *Scaffold) ensureEntity(name string) *Entity {
	if e, ok := s.Entities[name]; ok {
		return e
	}
	e := &Entity{Name: name, Index: len(s.Order)}
	s.Entities[name] = e
	s.Order = append(s.Order, name)
	return e
}

// Parse reads a scaffold document per the grammar of spec.md §4.5: `Entity
// <name>` reserves a slot, `Inherit <entity>` (body: `~parent` lines)
// declares parents with self-inherit rejected and duplicates coalesced, and
// any other key `<ComponentTypeName> <entity>` attaches either an inline
// chunk (an indented body of keyed items) or an external reference (an
// indented body holding a single `~` character-data line) to the named
// entity; a component key with no indented body is rejected.
func Parse(blob []byte) (*Scaffold, error) {
	f, err := textfmt.New(string(blob))
	if err != nil {
		return nil, err
	}

	s := &Scaffold{Blob: blob, UniqueID: hashBytes(blob), Entities: map[string]*Entity{}}

	for {
		switch f.PeekNext() {
		case textfmt.None:
			return s, nil
		case textfmt.KeyedItem:
			key, _ := f.TryKeyedItem()
			target, ok := f.TryStringValue()
			if !ok {
				loc := f.GetLocation()
				return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: fmt.Sprintf("key %q missing its target entity value", key)}
			}

			switch key {
			case "Entity":
				s.ensureEntity(target)

			case "Inherit":
				ent := s.ensureEntity(target)
				parents, err := parseInheritBody(f)
				if err != nil {
					return nil, err
				}
				seen := make(map[string]bool, len(ent.Inherits))
				for _, p := range ent.Inherits {
					seen[p] = true
				}
				for _, p := range parents {
					if p == target {
						loc := f.GetLocation()
						return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: fmt.Sprintf("entity %q cannot inherit from itself", target)}
					}
					if seen[p] {
						continue
					}
					seen[p] = true
					ent.Inherits = append(ent.Inherits, p)
				}

			default:
				ent := s.ensureEntity(target)
				ref := ComponentRef{ComponentType: key, Entity: target}
				if f.PeekNext() != textfmt.BeginElement {
					loc := f.GetLocation()
					return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: fmt.Sprintf("component %q on %q has neither an inline body nor an external reference", key, target)}
				}
				_ = f.TryBeginElement()
				if data, ok := f.TryCharacterData(); ok {
					// A body that is a single character-data line is an
					// external reference rather than an inline chunk.
					ref.ExternalRef = strings.TrimSpace(data)
					ref.IsExternal = true
					if !f.TryEndElement() {
						loc := f.GetLocation()
						return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: fmt.Sprintf("component %q on %q: external reference body must be a single line", key, target)}
					}
				} else {
					child, err := f.CreateChildFormatter()
					if err != nil {
						return nil, err
					}
					ref.Inline = child
					f.Skip()
					_ = f.TryEndElement()
				}
				ent.Components = append(ent.Components, ref)
			}

		default:
			loc := f.GetLocation()
			return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: "expected a keyed item at scaffold top level"}
		}
	}
}

// parseInheritBody reads the `~parent` character-data lines of an Inherit
// element's body.
func parseInheritBody(f *textfmt.Formatter) ([]string, error) {
	if !f.TryBeginElement() {
		loc := f.GetLocation()
		return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: "Inherit requires a body listing parent entities"}
	}
	var parents []string
	for {
		if data, ok := f.TryCharacterData(); ok {
			name := strings.TrimSpace(data)
			if name != "" {
				parents = append(parents, name)
			}
			continue
		}
		if f.TryEndElement() {
			return parents, nil
		}
		loc := f.GetLocation()
		return nil, &marker.FormatException{Line: loc.Line, Column: loc.Col, Message: "unexpected token inside Inherit body"}
	}
}
