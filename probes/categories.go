package probes

import (
	"fmt"
	"strings"
)

// Category is a bitmask of interception groups. A composite mask can be
// requested and released in one call; categories that share a hook keep it
// planted until the last of them is released.
type Category uint32

const (
	TCPConnect Category = 1 << iota
	TCPAccept
	TCPClose
	UDPConnect
	UDPBind
	UDPClose
	Exec
)

// AllCategories is the mask of every known category.
const AllCategories = TCPConnect | TCPAccept | TCPClose | UDPConnect | UDPBind | UDPClose | Exec

var categoryOrder = []Category{TCPConnect, TCPAccept, TCPClose, UDPConnect, UDPBind, UDPClose, Exec}

var categoryNames = map[Category]string{
	TCPConnect: "tcp-connect",
	TCPAccept:  "tcp-accept",
	TCPClose:   "tcp-close",
	UDPConnect: "udp-connect",
	UDPBind:    "udp-bind",
	UDPClose:   "udp-close",
	Exec:       "exec",
}

// Categories enumerates every single category in planting order.
func Categories() []Category {
	out := make([]Category, len(categoryOrder))
	copy(out, categoryOrder)
	return out
}

// Split breaks a mask into its single categories, in planting order.
func Split(mask Category) []Category {
	var out []Category
	for _, cat := range categoryOrder {
		if mask&cat != 0 {
			out = append(out, cat)
		}
	}
	return out
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	parts := make([]string, 0, len(categoryOrder))
	for _, cat := range Split(c) {
		parts = append(parts, categoryNames[cat])
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseCategories builds a mask from names like "tcp-connect". The name
// "all" selects every category. Empty entries are skipped.
func ParseCategories(names []string) (Category, error) {
	var mask Category
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if name == "all" {
			mask |= AllCategories
			continue
		}
		found := false
		for cat, n := range categoryNames {
			if n == name {
				mask |= cat
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("probes: unknown category %q", raw)
		}
	}
	return mask, nil
}
