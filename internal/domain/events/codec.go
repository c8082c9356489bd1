package events

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	// ErrSerialization is returned when an event cannot be encoded.
	ErrSerialization = errors.New("event serialization failed")
	// ErrUnknownRoutingKey is returned for a routing key with no event kind.
	ErrUnknownRoutingKey = errors.New("unknown routing key")
	// ErrMalformedBody is returned when a body does not decode into the event
	// kind its routing key names.
	ErrMalformedBody = errors.New("malformed event body")
)

// wire is encoding/json compatible so services built on the standard
// encoder read and write the same bodies.
var wire = sonic.ConfigStd

// Encode serializes e to its UTF-8 JSON wire body.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrSerialization)
	}
	body, err := wire.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, e.Kind(), err)
	}
	return body, nil
}

// Decode resolves routingKey to its event kind and decodes body as that kind.
func Decode(routingKey string, body []byte) (Event, error) {
	k, ok := KindForRoutingKey(routingKey)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoutingKey, routingKey)
	}
	e, err := kinds[k].decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedBody, routingKey, err)
	}
	return e, nil
}

func decodeAs[T Event](body []byte) (Event, error) {
	var v T
	if err := wire.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	if v.SubjectID() <= 0 {
		return nil, errors.New("subject id is required")
	}
	return v, nil
}
