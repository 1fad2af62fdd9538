package queue

import (
	"bytes"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"taskmill/model"
)

// Reserved keys in the wire format. Task properties may not use them.
const (
	KeyKind     = "type"
	KeyAttempts = "attempts"
)

// Delivery is the lease metadata injected into a decoded task.
type Delivery struct {
	ID           string
	LeaseToken   string
	ReceiveCount int
}

func reserved(key string) bool {
	return key == KeyKind || key == KeyAttempts
}

// encodable reports whether key survives a write and reload. The writer
// escapes spaces and colons in keys but not '=', and a leading '#' or '!'
// turns the line into a comment.
func encodable(key string) bool {
	if key == "" || strings.HasPrefix(key, "#") || strings.HasPrefix(key, "!") {
		return false
	}
	return !strings.Contains(key, "=")
}

// Marshal encodes a task as properties text. Keys are written in sorted
// order so equal tasks produce equal bodies.
func Marshal(t *model.Task) (string, error) {
	if t == nil || !t.Kind.Valid() {
		return "", fmt.Errorf("%w: missing or unknown kind", ErrInvalidTask)
	}

	p := properties.NewProperties()
	p.DisableExpansion = true

	if _, _, err := p.Set(KeyKind, string(t.Kind)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	if _, _, err := p.Set(KeyAttempts, strconv.Itoa(t.Attempts)); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	keys := make([]string, 0, len(t.Properties))
	for k := range t.Properties {
		if reserved(k) {
			return "", fmt.Errorf("%w: property key %q is reserved", ErrInvalidTask, k)
		}
		if !encodable(k) {
			return "", fmt.Errorf("%w: property key %q cannot be encoded", ErrInvalidTask, k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, _, err := p.Set(k, t.Properties[k]); err != nil {
			return "", fmt.Errorf("%w: property %q: %w", ErrInvalidTask, k, err)
		}
	}

	var buf bytes.Buffer
	if _, err := p.Write(&buf, properties.UTF8); err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	return buf.String(), nil
}

// Unmarshal decodes a properties body and attaches the delivery metadata.
func Unmarshal(body string, d Delivery) (*model.Task, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	p, err := loader.LoadBytes([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	kindStr, ok := p.Get(KeyKind)
	if !ok {
		return nil, fmt.Errorf("%w: no %q key", ErrMalformedMessage, KeyKind)
	}
	kind, err := model.ParseKind(kindStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}

	task := model.NewTask(kind, nil)
	for _, k := range p.Keys() {
		switch k {
		case KeyKind:
		case KeyAttempts:
			v, _ := p.Get(k)
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad attempts %q", ErrMalformedMessage, v)
			}
			task.Attempts = n
		default:
			v, _ := p.Get(k)
			task.Properties[k] = v
		}
	}

	task.DeliveryID = d.ID
	task.LeaseToken = d.LeaseToken
	task.ReceiveCount = d.ReceiveCount
	return task, nil
}
