package utils

import (
	"encoding/xml"
	"strings"
)

// XMLNode is a generic element tree for documents whose children are not
// known in advance (catalog metadata, update instructions).
type XMLNode struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []XMLNode  `xml:",any"`
}

// Name returns the local element name
func (n *XMLNode) Name() string {
	return n.XMLName.Local
}

// Text returns the trimmed character data of the element
func (n *XMLNode) Text() string {
	return strings.TrimSpace(n.Content)
}

// Attr returns the first attribute matching any of the given names
func (n *XMLNode) Attr(names ...string) (string, bool) {
	for _, name := range names {
		for _, a := range n.Attrs {
			if a.Name.Local == name {
				return a.Value, true
			}
		}
	}
	return "", false
}

// Child returns the first child element with the given name
func (n *XMLNode) Child(name string) *XMLNode {
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			return &n.Nodes[i]
		}
	}
	return nil
}

// Children returns all child elements with the given name
func (n *XMLNode) Children(name string) []*XMLNode {
	var out []*XMLNode
	for i := range n.Nodes {
		if n.Nodes[i].XMLName.Local == name {
			out = append(out, &n.Nodes[i])
		}
	}
	return out
}

// ChildText returns the text of the named child, or "" if missing
func (n *XMLNode) ChildText(name string) string {
	if c := n.Child(name); c != nil {
		return c.Text()
	}
	return ""
}

// ParseXMLNode decodes data into an element tree
func ParseXMLNode(data []byte) (*XMLNode, error) {
	var root XMLNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &root, nil
}
