package domain

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Alink wire envelopes. Field order and names are part of the contract with
// the platform and must not change.
const (
	attributeReportFormat = `{"id":"123","version":"1.0","method":"thing.event.property.post","params":%s}`
	eventReportFormat     = `{"id":"123","version":"1.0","params":%s,"method":"thing.event.%s.post"}`

	// EmptyParams is sent when an event carries no data.
	EmptyParams = "{}"
)

// FormatAttributeReport wraps a params fragment into the property-post envelope.
func FormatAttributeReport(params string) string {
	return fmt.Sprintf(attributeReportFormat, params)
}

// FormatEventReport wraps a params fragment into the event-post envelope.
func FormatEventReport(eventID, params string) string {
	if params == "" {
		params = EmptyParams
	}
	return fmt.Sprintf(eventReportFormat, params, eventID)
}

// FloatFragment renders {"name":value} with a fixed number of decimal places.
// A negative decimals value uses the shortest exact representation.
func FloatFragment(name string, value float64, decimals int) (string, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", fmt.Errorf("%w: %s is not a finite number", ErrInvalidPayload, name)
	}
	return rawFragment(name, strconv.FormatFloat(value, 'f', decimals, 64))
}

// IntFragment renders {"name":value}.
func IntFragment(name string, value int64) (string, error) {
	return rawFragment(name, strconv.FormatInt(value, 10))
}

// StringFragment renders {"name":"value"} with JSON escaping applied.
func StringFragment(name, value string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return rawFragment(name, string(encoded))
}

func rawFragment(name, rendered string) (string, error) {
	if name == "" {
		return "", ErrInvalidAttribute
	}
	key, err := json.Marshal(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return "{" + string(key) + ":" + rendered + "}", nil
}

// SamplesFragment renders good-quality samples as one JSON object, keeping
// the order of the input. Floats use the given number of decimal places and
// booleans are sent as 0/1, which is what the platform's bool type expects.
func SamplesFragment(samples []*Sample, decimals int) (string, int, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	count := 0

	for _, s := range samples {
		if !s.IsGood() {
			continue
		}

		rendered, err := renderValue(s.Value, decimals)
		if err != nil {
			return "", 0, fmt.Errorf("sample %s: %w", s.Name, err)
		}

		key, err := json.Marshal(s.Name)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}

		if count > 0 {
			buf.WriteByte(',')
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.WriteString(rendered)
		count++
	}

	buf.WriteByte('}')
	return buf.String(), count, nil
}

func renderValue(v interface{}, decimals int) (string, error) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "", ErrInvalidPayload
		}
		return strconv.FormatFloat(val, 'f', decimals, 64), nil
	case float32:
		return renderValue(float64(val), decimals)
	case bool:
		if val {
			return "1", nil
		}
		return "0", nil
	case int16:
		return strconv.FormatInt(int64(val), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(val), 10), nil
	case int32:
		return strconv.FormatInt(int64(val), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(val), 10), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case uint64:
		return strconv.FormatUint(val, 10), nil
	case int:
		return strconv.Itoa(val), nil
	case string:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	default:
		return "", fmt.Errorf("%w: unsupported value type %T", ErrInvalidDataType, v)
	}
}
