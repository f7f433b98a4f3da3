package spot

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
)

// Class is one tag a parking spot can carry.
type Class uint8

const (
	ClassRegular Class = iota
	ClassElectric
	ClassAccessible
	ClassCompact
	ClassMotorcycle
	ClassOversize
	numClasses
)

func (c Class) String() string {
	switch c {
	case ClassRegular:
		return "regular"
	case ClassElectric:
		return "electric"
	case ClassAccessible:
		return "accessible"
	case ClassCompact:
		return "compact"
	case ClassMotorcycle:
		return "motorcycle"
	case ClassOversize:
		return "oversize"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func ParseClass(s string) (Class, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "regular":
		return ClassRegular, nil
	case "electric", "ev":
		return ClassElectric, nil
	case "accessible":
		return ClassAccessible, nil
	case "compact":
		return ClassCompact, nil
	case "motorcycle":
		return ClassMotorcycle, nil
	case "oversize":
		return ClassOversize, nil
	default:
		return 0, fmt.Errorf("unknown spot class %q", s)
	}
}

// ClassSet is a bitmask of classes. The zero value is the empty set; as a
// filter it matches every spot.
type ClassSet uint32

func NewClassSet(cs ...Class) ClassSet {
	var s ClassSet
	for _, c := range cs {
		s |= 1 << c
	}
	return s
}

// ParseClassSet reads a comma-separated list such as "electric,accessible".
func ParseClassSet(s string) (ClassSet, error) {
	var out ClassSet
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		c, err := ParseClass(part)
		if err != nil {
			return 0, err
		}
		out |= NewClassSet(c)
	}
	return out, nil
}

// ParseClassList is ParseClassSet for already split input.
func ParseClassList(names []string) (ClassSet, error) {
	return ParseClassSet(strings.Join(names, ","))
}

func (s ClassSet) Has(c Class) bool { return s&(1<<c) != 0 }

// Satisfies reports whether every class in filter is present in s.
func (s ClassSet) Satisfies(filter ClassSet) bool { return s&filter == filter }

func (s ClassSet) Len() int { return bits.OnesCount32(uint32(s)) }

func (s ClassSet) Classes() []Class {
	var out []Class
	for c := Class(0); c < numClasses; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (s ClassSet) Names() []string {
	out := make([]string, 0, s.Len())
	for _, c := range s.Classes() {
		out = append(out, c.String())
	}
	sort.Strings(out)
	return out
}

func (s ClassSet) String() string { return strings.Join(s.Names(), ",") }
