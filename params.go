package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/mimiq/mimiq/models"
	"github.com/mimiq/mimiq/service"
)

// Params wraps the form parameters of a query-protocol request and adds
// helpers for its indexed naming conventions (Tag.1.Key, MessageAttribute.2.Name,
// SendMessageBatchRequestEntry.3.Id and so on).
type Params struct {
	url.Values
}

// Prefixed returns the parameters whose names start with prefix, with the
// prefix stripped.
func (p Params) Prefixed(prefix string) Params {
	out := url.Values{}
	for name, vals := range p.Values {
		if strings.HasPrefix(name, prefix) {
			out[strings.TrimPrefix(name, prefix)] = vals
		}
	}
	return Params{out}
}

// IndexedGroups returns one Params per `<prefix><i><suffix>` group, counting
// i up from 1 until a gap.
func (p Params) IndexedGroups(prefix, suffix string) []Params {
	var groups []Params
	for i := 1; p.Has(fmt.Sprintf("%s%d%s", prefix, i, suffix)); i++ {
		groups = append(groups, p.Prefixed(fmt.Sprintf("%s%d.", prefix, i)))
	}
	return groups
}

// IndexedValues returns the values of `<prefix><i>` counting i up from 1
// until a gap.
func (p Params) IndexedValues(prefix string) []string {
	var out []string
	for i := 1; p.Has(fmt.Sprintf("%s%d", prefix, i)); i++ {
		out = append(out, p.Get(fmt.Sprintf("%s%d", prefix, i)))
	}
	return out
}

// PairMap collects `<prefix><i><keySuffix>`/`<prefix><i><valSuffix>` pairs
// into a map. Used for tag lists and topic attribute entries.
func (p Params) PairMap(prefix, keySuffix, valSuffix string) map[string]string {
	out := map[string]string{}
	for i := 1; p.Has(fmt.Sprintf("%s%d%s", prefix, i, keySuffix)); i++ {
		key := p.Get(fmt.Sprintf("%s%d%s", prefix, i, keySuffix))
		out[key] = p.Get(fmt.Sprintf("%s%d%s", prefix, i, valSuffix))
	}
	return out
}

// MessageAttributes extracts `<prefix><i>.Name` / `<prefix><i>.Value.*`
// message attributes. Only the String and Binary data types exist on the
// wire; anything else is a validation error.
func (p Params) MessageAttributes(prefix string) (map[string]models.AttributeValue, error) {
	out := map[string]models.AttributeValue{}
	for _, group := range p.IndexedGroups(prefix, ".Name") {
		name := group.Get("Name")
		switch dataType := group.Get("Value.DataType"); dataType {
		case "String":
			out[name] = models.AttributeValue{
				DataType:    "String",
				StringValue: group.Get("Value.StringValue"),
			}
		case "Binary":
			raw, err := base64.StdEncoding.DecodeString(group.Get("Value.BinaryValue"))
			if err != nil {
				return nil, &service.Error{
					Code:    service.CodeInvalidParameter,
					Message: fmt.Sprintf("attribute %s has invalid base64 binary value", name),
				}
			}
			out[name] = models.AttributeValue{
				DataType:    "Binary",
				BinaryValue: raw,
			}
		default:
			return nil, &service.Error{
				Code:    service.CodeUnimplemented,
				Message: fmt.Sprintf("attribute data type %s is not supported", dataType),
			}
		}
	}
	return out, nil
}
