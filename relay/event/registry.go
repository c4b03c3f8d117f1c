package event

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/parcelmq/lib-relay/relay/log"
)

// Registry errors.
var (
	ErrEventNameRequired  = errors.New("event name is required")
	ErrFactoryRequired    = errors.New("event factory is required")
	ErrUnknownEventType   = errors.New("event type is not registered")
	ErrDeserializeFailed  = errors.New("event deserialization failed")
	ErrPayloadTooLarge    = errors.New("event payload exceeds maximum allowed size")
	ErrPayloadNotJSON     = errors.New("event payload must be a JSON object")
	ErrPayloadTooDeep     = errors.New("event payload nesting exceeds maximum depth")
	ErrPayloadTooManyKeys = errors.New("event payload exceeds maximum field count")
	ErrPayloadValueTooBig = errors.New("event payload contains an oversized value")
)

// DeserializeError reports why a stored payload could not be reconstructed
// into a typed event. It wraps one of the sentinel payload errors above so
// callers can branch with errors.Is.
type DeserializeError struct {
	EventType string
	Reason    string
	Err       error
}

func (e *DeserializeError) Error() string {
	return fmt.Sprintf("deserialize %q: %s", e.EventType, e.Reason)
}

func (e *DeserializeError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}

	return ErrDeserializeFailed
}

// Factory constructs an empty instance of a registered event type.
type Factory func() Event

// Limits bounds payload acceptance during deserialization.
type Limits struct {
	MaxPayloadBytes int
	MaxFields       int
	MaxDepth        int
	MaxStringLen    int
}

// DefaultLimits returns the baseline payload limits.
func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1 << 20,
		MaxFields:       256,
		MaxDepth:        8,
		MaxStringLen:    64 << 10,
	}
}

type registration struct {
	name    string
	topic   string
	factory Factory
	fields  map[string]struct{}
}

// Registry maps event names and topics to constructors so stored payloads
// can be reconstructed safely. Payload content is never evaluated; unknown
// and dangerous field names are dropped before construction.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*registration
	byTopic map[string]*registration
	logger  log.Logger
	limits  Limits
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger, used to report topic collisions.
func WithLogger(logger log.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithLimits overrides the payload limits. Non-positive values keep the
// defaults.
func WithLimits(limits Limits) RegistryOption {
	return func(r *Registry) {
		defaults := DefaultLimits()

		if limits.MaxPayloadBytes <= 0 {
			limits.MaxPayloadBytes = defaults.MaxPayloadBytes
		}

		if limits.MaxFields <= 0 {
			limits.MaxFields = defaults.MaxFields
		}

		if limits.MaxDepth <= 0 {
			limits.MaxDepth = defaults.MaxDepth
		}

		if limits.MaxStringLen <= 0 {
			limits.MaxStringLen = defaults.MaxStringLen
		}

		r.limits = limits
	}
}

// NewRegistry creates an empty event registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	registry := &Registry{
		byName:  make(map[string]*registration),
		byTopic: make(map[string]*registration),
		logger:  log.NewNop(),
		limits:  DefaultLimits(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}

	return registry
}

// Register associates an event type with its name and topic. The prototype
// supplies the name (EventName) and, when it implements TopicProvider, the
// topic; otherwise the topic is the event name. A topic collision logs a
// warning and overwrites the previous mapping rather than silently keeping
// a duplicate.
func (r *Registry) Register(prototype Event, factory Factory) error {
	if prototype == nil {
		return ErrEventNameRequired
	}

	name := strings.TrimSpace(prototype.EventName())
	if name == "" {
		return ErrEventNameRequired
	}

	if factory == nil {
		return ErrFactoryRequired
	}

	topic := name
	if provider, ok := prototype.(TopicProvider); ok {
		if declared := strings.TrimSpace(provider.Topic()); declared != "" {
			topic = declared
		}
	}

	entry := &registration{
		name:    name,
		topic:   topic,
		factory: factory,
		fields:  payloadFields(factory()),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if previous, exists := r.byTopic[topic]; exists && previous.name != name {
		r.logger.Log(context.Background(), log.LevelWarn, "event topic collision, overwriting mapping",
			log.String("topic", topic),
			log.String("previous_event", previous.name),
			log.String("new_event", name),
		)
	}

	r.byName[name] = entry
	r.byTopic[topic] = entry

	return nil
}

// TopicFor returns the registered topic for an event, deriving it from the
// event name when the event was never registered.
func (r *Registry) TopicFor(e Event) string {
	if e == nil {
		return ""
	}

	r.mu.RLock()
	entry, ok := r.byName[e.EventName()]
	r.mu.RUnlock()

	if ok {
		return entry.topic
	}

	if provider, isProvider := e.(TopicProvider); isProvider {
		if declared := strings.TrimSpace(provider.Topic()); declared != "" {
			return declared
		}
	}

	return e.EventName()
}

// Deserialize reconstructs a typed event from a stored name (or topic) and
// payload. The payload passes size, field-count, and depth validation, and
// unknown or dangerous field names are dropped, before the registered
// constructor ever sees it. Any violation yields a *DeserializeError.
func (r *Registry) Deserialize(eventType string, payload []byte) (Event, error) {
	eventType = strings.TrimSpace(eventType)

	r.mu.RLock()
	entry, ok := r.byName[eventType]
	if !ok {
		entry, ok = r.byTopic[eventType]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, &DeserializeError{EventType: eventType, Reason: "unknown event type", Err: ErrUnknownEventType}
	}

	if len(payload) > r.limits.MaxPayloadBytes {
		return nil, &DeserializeError{EventType: eventType, Reason: "payload too large", Err: ErrPayloadTooLarge}
	}

	raw, err := decodeObject(payload)
	if err != nil {
		return nil, &DeserializeError{EventType: eventType, Reason: err.Error(), Err: ErrPayloadNotJSON}
	}

	sanitized, err := r.sanitize(raw, entry.fields)
	if err != nil {
		return nil, &DeserializeError{EventType: eventType, Reason: err.Error(), Err: err}
	}

	cleaned, err := json.Marshal(sanitized)
	if err != nil {
		return nil, &DeserializeError{EventType: eventType, Reason: "re-encoding sanitized payload: " + err.Error()}
	}

	instance := entry.factory()
	if err := json.Unmarshal(cleaned, instance); err != nil {
		return nil, &DeserializeError{EventType: eventType, Reason: "constructing event: " + err.Error()}
	}

	return instance, nil
}

func decodeObject(payload []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	return raw, nil
}

// sanitize drops unknown and dangerous field names at the top level and
// validates every nested value against the configured limits.
func (r *Registry) sanitize(raw map[string]any, whitelist map[string]struct{}) (map[string]any, error) {
	if len(raw) > r.limits.MaxFields {
		return nil, ErrPayloadTooManyKeys
	}

	sanitized := make(map[string]any, len(raw))

	for key, value := range raw {
		if dangerousFieldName(key) {
			continue
		}

		if len(whitelist) > 0 {
			if _, known := whitelist[key]; !known {
				continue
			}
		}

		if err := r.validateValue(value, 1); err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}

		sanitized[key] = value
	}

	return sanitized, nil
}

func (r *Registry) validateValue(value any, depth int) error {
	if depth > r.limits.MaxDepth {
		return ErrPayloadTooDeep
	}

	switch v := value.(type) {
	case nil, bool, json.Number:
		return nil
	case string:
		if len(v) > r.limits.MaxStringLen {
			return ErrPayloadValueTooBig
		}

		return nil
	case []any:
		if len(v) > r.limits.MaxFields {
			return ErrPayloadTooManyKeys
		}

		for _, element := range v {
			if err := r.validateValue(element, depth+1); err != nil {
				return err
			}
		}

		return nil
	case map[string]any:
		if len(v) > r.limits.MaxFields {
			return ErrPayloadTooManyKeys
		}

		for key, element := range v {
			if dangerousFieldName(key) {
				delete(v, key)

				continue
			}

			if err := r.validateValue(element, depth+1); err != nil {
				return err
			}
		}

		return nil
	default:
		return fmt.Errorf("unsupported value of type %T: %w", value, ErrDeserializeFailed)
	}
}

// dangerousFieldName rejects keys that hint at prototype pollution or
// reserved runtime identifiers in downstream consumers.
func dangerousFieldName(name string) bool {
	if strings.HasPrefix(name, "__") || strings.HasPrefix(name, "$") {
		return true
	}

	switch name {
	case "constructor", "prototype":
		return true
	default:
		return false
	}
}

// payloadFields reflects the whitelisted JSON field names from a concrete
// event struct, flattening embedded structs such as Envelope.
func payloadFields(prototype Event) map[string]struct{} {
	fields := make(map[string]struct{})

	value := reflect.ValueOf(prototype)
	for value.Kind() == reflect.Pointer {
		if value.IsNil() {
			return fields
		}

		value = value.Elem()
	}

	if value.Kind() != reflect.Struct {
		return fields
	}

	collectFields(value.Type(), fields)

	return fields
}

func collectFields(t reflect.Type, fields map[string]struct{}) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Anonymous {
			embedded := field.Type
			for embedded.Kind() == reflect.Pointer {
				embedded = embedded.Elem()
			}

			if embedded.Kind() == reflect.Struct {
				collectFields(embedded, fields)

				continue
			}
		}

		if !field.IsExported() {
			continue
		}

		name := field.Name

		if tag, ok := field.Tag.Lookup("json"); ok {
			tagName := strings.Split(tag, ",")[0]
			if tagName == "-" {
				continue
			}

			if tagName != "" {
				name = tagName
			}
		}

		fields[name] = struct{}{}
	}
}
