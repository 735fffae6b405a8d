package policy

import "fmt"

// AccessKind classifies what a native-boundary access touches.
type AccessKind string

const (
	AccessClass  AccessKind = "class"
	AccessMethod AccessKind = "method"
	AccessField  AccessKind = "field"
)

// Descriptor is the symbolic identity of one prospective access.
// Member is empty for class lookups.
type Descriptor struct {
	Type   string
	Member string
	Kind   AccessKind
}

func (d Descriptor) String() string {
	if d.Member == "" {
		return fmt.Sprintf("%s %s", d.Kind, d.Type)
	}
	return fmt.Sprintf("%s %s.%s", d.Kind, d.Type, d.Member)
}

// IsAllowed classifies one access against the rule set. Pure and
// side-effect free; first the type must be declared, then the member
// must be covered either by a blanket declaration or by name.
func (p *Policy) IsAllowed(d Descriptor) bool {
	rules, ok := p.types[d.Type]
	if !ok {
		return false
	}
	switch d.Kind {
	case AccessClass:
		return true
	case AccessMethod:
		return rules.allMethods || rules.methods[d.Member]
	case AccessField:
		return rules.allFields || rules.fields[d.Member]
	default:
		return false
	}
}
