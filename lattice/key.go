package lattice

import (
	"strings"
)

const (
	MaxKeyComponents = 16
	MaxKeyLength     = 200

	// matches exactly one component
	WildcardOne = "*"
	// matches this and all remaining components. Final position only.
	WildcardTail = "#"
)

// Key is a hierarchical name in the store: 0..16 period-joined components.
// The zero-component key is the root. A key containing `*` or `#` is a
// pattern; patterns can be listened on and deleted but never written.
//
// Keys are value objects. Every Key instance carries its own id so that
// multiple listener registrations on syntactically identical keys stay
// distinct.
type Key struct {
	app        *App
	id         Id
	components []string
	path       string
	err        error
}

func newKey(app *App, components []string) *Key {
	key := &Key{
		app:        app,
		id:         NewId(),
		components: components,
		path:       strings.Join(components, "."),
	}
	key.err = validateComponents(components, key.path)
	return key
}

func splitPath(path string) []string {
	if path == "" {
		return []string{}
	}
	return strings.Split(path, ".")
}

func validateComponents(components []string, path string) error {
	if MaxKeyComponents < len(components) {
		return newInvalidKeyError("too many components (%d > %d)", len(components), MaxKeyComponents)
	}
	if MaxKeyLength < len(path) {
		return newInvalidKeyError("key too long (%d > %d)", len(path), MaxKeyLength)
	}
	for i, component := range components {
		if component == "" {
			return newInvalidKeyError("empty component at %d", i)
		}
		switch component {
		case WildcardOne:
		case WildcardTail:
			if i != len(components)-1 {
				return newInvalidKeyError("# must be the final component")
			}
		default:
			for _, c := range component {
				if !componentChar(c) {
					return newInvalidKeyError("invalid character %q in component %q", c, component)
				}
			}
		}
	}
	return nil
}

func componentChar(c rune) bool {
	return 'a' <= c && c <= 'z' ||
		'A' <= c && c <= 'Z' ||
		'0' <= c && c <= '9' ||
		c == '_' || c == '-'
}

// Err returns the validity error for this key, or nil for a valid key.
func (self *Key) Err() error {
	return self.err
}

func (self *Key) String() string {
	return self.path
}

func (self *Key) Components() []string {
	out := make([]string, len(self.components))
	copy(out, self.components)
	return out
}

func (self *Key) IsRoot() bool {
	return len(self.components) == 0
}

// IsPattern reports whether any component is a wildcard.
func (self *Key) IsPattern() bool {
	return isPatternComponents(self.components)
}

func isPatternComponents(components []string) bool {
	for _, component := range components {
		if component == WildcardOne || component == WildcardTail {
			return true
		}
	}
	return false
}

// Parent drops the final component. The parent of the root is the root.
func (self *Key) Parent() *Key {
	if self.IsRoot() {
		return newKey(self.app, []string{})
	}
	return newKey(self.app, self.components[:len(self.components)-1])
}

// Child appends name as a new final component. Validity of the result is
// checked on the returned key, not here.
func (self *Key) Child(name string) *Key {
	components := make([]string, 0, len(self.components)+1)
	components = append(components, self.components...)
	components = append(components, name)
	return newKey(self.app, components)
}

// NewChild appends a freshly generated unique component.
func (self *Key) NewChild() *Key {
	return self.Child(NewId().String())
}

// LastComponent returns the final component, or false for the root.
func (self *Key) LastComponent() (string, bool) {
	if self.IsRoot() {
		return "", false
	}
	return self.components[len(self.components)-1], true
}

// Matches reports whether the concrete key is covered by this key.
// For a non-pattern key this is string equality.
func (self *Key) Matches(concrete *Key) bool {
	return matchComponents(self.components, concrete.components)
}

// MatchesPath is Matches over the joined string form of a concrete key.
func (self *Key) MatchesPath(path string) bool {
	return matchComponents(self.components, splitPath(path))
}

func matchComponents(pattern []string, concrete []string) bool {
	if !isPatternComponents(pattern) {
		if len(pattern) != len(concrete) {
			return false
		}
		for i, component := range pattern {
			if component != concrete[i] {
				return false
			}
		}
		return true
	}
	for i, component := range pattern {
		if component == WildcardTail {
			// matches the pattern prefix itself and everything below it
			return true
		}
		if len(concrete) <= i {
			return false
		}
		if component == WildcardOne {
			continue
		}
		if component != concrete[i] {
			return false
		}
	}
	return len(concrete) == len(pattern)
}
