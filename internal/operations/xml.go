package operations

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Value type names used in the XML form
const (
	typeString     = "string"
	typeInt        = "int"
	typeBool       = "bool"
	typeTime       = "time"
	typeBytes      = "bytes"
	typeStringList = "stringlist"

	encodingBase64 = "base64"
)

type xmlOperation struct {
	XMLName   xml.Name   `xml:"operation"`
	Name      string     `xml:"name,attr,omitempty"`
	Arguments []xmlText  `xml:"arguments>argument"`
	Values    []xmlValue `xml:"values>value"`
}

type xmlText struct {
	Encoding string `xml:"encoding,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type xmlValue struct {
	Name     string    `xml:"name,attr"`
	Type     string    `xml:"type,attr"`
	Encoding string    `xml:"encoding,attr,omitempty"`
	Text     string    `xml:",chardata"`
	Items    []xmlText `xml:"item"`
}

// isPlainText reports whether s survives a round trip through XML
// character data unchanged
func isPlainText(s string) bool {
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if r == '\n' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

func encodeText(s string) xmlText {
	if isPlainText(s) {
		return xmlText{Text: s}
	}
	return xmlText{Encoding: encodingBase64, Text: base64.StdEncoding.EncodeToString([]byte(s))}
}

func decodeText(t xmlText) (string, error) {
	switch t.Encoding {
	case "":
		return t.Text, nil
	case encodingBase64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(t.Text))
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", t.Encoding)
	}
}

func encodeValue(name string, v interface{}) (xmlValue, error) {
	xv := xmlValue{Name: name}
	switch t := v.(type) {
	case string:
		txt := encodeText(t)
		xv.Type, xv.Encoding, xv.Text = typeString, txt.Encoding, txt.Text
	case int:
		xv.Type, xv.Text = typeInt, strconv.Itoa(t)
	case bool:
		xv.Type, xv.Text = typeBool, strconv.FormatBool(t)
	case time.Time:
		xv.Type, xv.Text = typeTime, t.Format(time.RFC3339Nano)
	case []byte:
		xv.Type, xv.Encoding, xv.Text = typeBytes, encodingBase64, base64.StdEncoding.EncodeToString(t)
	case []string:
		xv.Type = typeStringList
		for _, s := range t {
			xv.Items = append(xv.Items, encodeText(s))
		}
	default:
		return xv, fmt.Errorf("value %q has unsupported type %T", name, v)
	}
	return xv, nil
}

func decodeValue(xv xmlValue) (interface{}, error) {
	switch xv.Type {
	case typeString:
		return decodeText(xmlText{Encoding: xv.Encoding, Text: xv.Text})
	case typeInt:
		return strconv.Atoi(strings.TrimSpace(xv.Text))
	case typeBool:
		return strconv.ParseBool(strings.TrimSpace(xv.Text))
	case typeTime:
		return time.Parse(time.RFC3339Nano, strings.TrimSpace(xv.Text))
	case typeBytes:
		return base64.StdEncoding.DecodeString(strings.TrimSpace(xv.Text))
	case typeStringList:
		list := make([]string, 0, len(xv.Items))
		for _, it := range xv.Items {
			s, err := decodeText(it)
			if err != nil {
				return nil, err
			}
			list = append(list, s)
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", xv.Type)
	}
}

func (b *base) toXMLOperation() (xmlOperation, error) {
	xo := xmlOperation{Name: b.Name()}
	for _, a := range b.args {
		xo.Arguments = append(xo.Arguments, encodeText(a))
	}
	for _, name := range b.ValueNames() {
		xv, err := encodeValue(name, b.values[name])
		if err != nil {
			return xo, err
		}
		xo.Values = append(xo.Values, xv)
	}
	return xo, nil
}

func (b *base) fromXMLOperation(xo xmlOperation) error {
	if xo.Name != "" && xo.Name != b.Name() {
		return fmt.Errorf("cannot load operation %q into %s", xo.Name, b.Name())
	}

	var args []string
	for i, a := range xo.Arguments {
		s, err := decodeText(a)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, s)
	}

	values := make(map[string]interface{}, len(xo.Values))
	for _, xv := range xo.Values {
		v, err := decodeValue(xv)
		if err != nil {
			return fmt.Errorf("value %q: %w", xv.Name, err)
		}
		values[xv.Name] = v
	}

	b.args = args
	b.values = values
	return nil
}

// ToXML serializes the arguments and captured values
func (b *base) ToXML() ([]byte, error) {
	xo, err := b.toXMLOperation()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", b.Name(), err)
	}
	return xml.MarshalIndent(xo, "", "    ")
}

// FromXML replaces the arguments and captured values with those in data
func (b *base) FromXML(data []byte) error {
	var xo xmlOperation
	if err := xml.Unmarshal(data, &xo); err != nil {
		return fmt.Errorf("failed to parse operation: %w", err)
	}
	return b.fromXMLOperation(xo)
}
