package parser

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// element is a namespace-free view of an XML element. Children are always a
// slice, so a list with a single entry looks the same as a longer one.
type element struct {
	name     string
	text     []byte
	children []*element
}

func (e *element) value() string {
	return strings.TrimSpace(string(e.text))
}

// decodeTree builds the element tree of text keyed by local names. The text is
// already UTF-8, so a legacy charset in the prolog is accepted as is.
func decodeTree(text string) (*element, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) {
		return r, nil
	}
	dec.Entity = xml.HTMLEntity

	var root *element
	var stack []*element
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			el := &element{name: t.Name.Local}
			switch {
			case len(stack) > 0:
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			case root == nil:
				root = el
			default:
				return nil, fmt.Errorf("unexpected second root element <%s>", t.Name.Local)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				top := stack[len(stack)-1]
				top.text = append(top.text, t...)
			}
		}
	}

	if len(stack) > 0 {
		return nil, fmt.Errorf("unclosed element <%s>", stack[len(stack)-1].name)
	}
	if root == nil {
		return nil, errors.New("document has no root element")
	}
	return root, nil
}

type nameSet map[string]bool

func newNameSet(names ...[]string) nameSet {
	s := nameSet{}
	for _, list := range names {
		for _, n := range list {
			s[n] = true
		}
	}
	return s
}

// find returns the first leaf element, breadth first below e, whose local
// name is one of aliases. Aliases are tried in order so the preferred name wins
// over a shallower fallback. Subtrees rooted at a name in skip are not entered.
func (e *element) find(aliases []string, skip nameSet) *element {
	for _, alias := range aliases {
		queue := append([]*element(nil), e.children...)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.name == alias && len(cur.children) == 0 {
				return cur
			}
			if skip[cur.name] {
				continue
			}
			queue = append(queue, cur.children...)
		}
	}
	return nil
}

// child returns the first direct leaf child of e named by one of aliases,
// trying aliases in order.
func (e *element) child(aliases []string) *element {
	for _, alias := range aliases {
		for _, c := range e.children {
			if c.name == alias && len(c.children) == 0 {
				return c
			}
		}
	}
	return nil
}

// lookup returns the trimmed text of the element found by find and whether it
// was present at all.
func (e *element) lookup(aliases []string, skip nameSet) (string, bool) {
	found := e.find(aliases, skip)
	if found == nil {
		return "", false
	}
	return found.value(), true
}

func (e *element) str(aliases []string, skip nameSet) string {
	v, _ := e.lookup(aliases, skip)
	return v
}

// collectLeaves appends, in document order, every element below e whose name
// is in names and that contains no other element of names. Containers that
// reuse a guide or glosa name are descended into instead of being collected.
func collectLeaves(e *element, names nameSet, out *[]*element) bool {
	nested := false
	for _, c := range e.children {
		if collectLeaves(c, names, out) {
			nested = true
		}
	}
	if names[e.name] {
		if !nested {
			*out = append(*out, e)
		}
		return true
	}
	return nested
}

func leavesBelow(e *element, names nameSet) []*element {
	var out []*element
	for _, c := range e.children {
		collectLeaves(c, names, &out)
	}
	return out
}
