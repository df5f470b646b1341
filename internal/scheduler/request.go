package scheduler

import (
	"bytes"
	"encoding/json"
	"sort"
)

const (
	// DefaultTagName is the tag key used when the payload does not name one.
	DefaultTagName = "Schedule"

	fieldTagName   = "tag_name"
	fieldTagValues = "tag_values"
	fieldRegion    = "region"
)

// knownMisspellings maps field names seen in deployed triggers to the field they meant.
var knownMisspellings = map[string]string{
	"taget_values": fieldTagValues,
	"tag_value":    fieldTagValues,
	"tagvalues":    fieldTagValues,
	"tag_names":    fieldTagName,
	"tagname":      fieldTagName,
}

// DefaultTagValues returns the tag values used when the payload does not list any.
func DefaultTagValues() []string {
	return []string{"day", "night"}
}

// Defaults holds the values applied to fields absent from an invocation payload.
type Defaults struct {
	TagName   string
	TagValues []string
}

// InvocationRequest is a validated invocation payload.
type InvocationRequest struct {
	TagName   string   `json:"tag_name"`
	TagValues []string `json:"tag_values"`
	// Region is empty when the caller wants the scheduler's own region.
	Region string `json:"region,omitempty"`
	// Ignored lists payload fields ParseRequest did not recognize, sorted.
	Ignored []string `json:"-"`
}

// ParseRequest decodes the trigger payload into an InvocationRequest. The payload is a JSON
// object whose tag_values field holds a JSON-encoded list of strings, e.g.
//
//	{"tag_name": "Schedule", "tag_values": "[\"day\", \"night\"]", "region": "us-east-1"}
//
// A plain JSON array is accepted for tag_values as well. A malformed known field fails with a
// *ConfigurationError. Other fields, such as those of an EventBridge event envelope, are
// recorded in Ignored.
func ParseRequest(payload []byte, defaults Defaults) (InvocationRequest, error) {
	req := InvocationRequest{
		TagName:   defaults.TagName,
		TagValues: append([]string(nil), defaults.TagValues...),
	}
	if req.TagName == "" {
		req.TagName = DefaultTagName
	}
	if defaults.TagValues == nil {
		req.TagValues = DefaultTagValues()
	}

	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return req, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return InvocationRequest{}, configErrorf("", "payload is not a JSON object: %v", err)
	}

	for key := range fields {
		switch key {
		case fieldTagName, fieldTagValues, fieldRegion:
		default:
			req.Ignored = append(req.Ignored, key)
		}
	}
	sort.Strings(req.Ignored)

	if raw, ok := fields[fieldTagName]; ok {
		name, err := decodeString(fieldTagName, raw)
		if err != nil {
			return InvocationRequest{}, err
		}
		if name == "" {
			return InvocationRequest{}, configErrorf(fieldTagName, "must not be empty")
		}
		req.TagName = name
	}

	if raw, ok := fields[fieldTagValues]; ok {
		values, err := decodeTagValues(raw)
		if err != nil {
			return InvocationRequest{}, err
		}
		req.TagValues = values
	}

	if raw, ok := fields[fieldRegion]; ok {
		region, err := decodeString(fieldRegion, raw)
		if err != nil {
			return InvocationRequest{}, err
		}
		req.Region = region
	}

	return req, nil
}

// Validate checks a request built in code rather than parsed from a payload.
func (r InvocationRequest) Validate() error {
	if r.TagName == "" {
		return configErrorf(fieldTagName, "must not be empty")
	}
	for i, v := range r.TagValues {
		if v == "" {
			return configErrorf(fieldTagValues, "element %d is empty", i)
		}
	}
	return nil
}

// Strict fails with a *ConfigurationError naming the first ignored field, if any.
func (r InvocationRequest) Strict() error {
	if len(r.Ignored) == 0 {
		return nil
	}
	field := r.Ignored[0]
	if meant, ok := knownMisspellings[field]; ok {
		return configErrorf(field, "unknown field, did you mean %q?", meant)
	}
	return configErrorf(field, "unknown field")
}

// meantField returns the field an ignored payload field was probably meant to be.
func meantField(ignored string) (string, bool) {
	meant, ok := knownMisspellings[ignored]
	return meant, ok
}

// ParseTagValues decodes a JSON-encoded list of tag values, e.g. `["day", "night"]`.
func ParseTagValues(encoded string) ([]string, error) {
	return decodeTagValues(json.RawMessage(encoded))
}

func decodeString(field string, raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", configErrorf(field, "must be a string")
	}
	return s, nil
}

func decodeTagValues(raw json.RawMessage) ([]string, error) {
	list := raw
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err == nil {
		list = json.RawMessage(encoded)
	}

	var values []string
	if err := json.Unmarshal(list, &values); err != nil {
		return nil, configErrorf(fieldTagValues, "must be a JSON list of strings: %v", err)
	}
	if values == nil {
		// An encoded "null" decodes without error but is not a list.
		return nil, configErrorf(fieldTagValues, "must be a JSON list of strings, got null")
	}
	for i, v := range values {
		if v == "" {
			return nil, configErrorf(fieldTagValues, "element %d is empty", i)
		}
	}
	return values, nil
}
