package restquery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// EntityConstructor is implemented by entities that build themselves from
// raw input. It is used in partial mode instead of field filtering.
type EntityConstructor interface {
	FromRaw(raw map[string]any) error
}

// Plainer is implemented by values with their own plain representation.
type Plainer interface {
	ToPlain() map[string]any
}

// Shape describes an intermediate structure that input is mapped through
// before it becomes an entity.
type Shape interface {
	New() any
}

type shapeOf[S any] struct{}

func (shapeOf[S]) New() any {
	return new(S)
}

// ShapeOf returns the Shape for type S.
func ShapeOf[S any]() Shape {
	return shapeOf[S]{}
}

type entityOptions struct {
	partial bool
	shape   Shape
}

// EntityOption configures CreateEntityInstance.
type EntityOption func(*entityOptions)

// FromInstancePartial builds the entity with its EntityConstructor, or with
// plain JSON decoding, instead of the allow-list mapping.
func FromInstancePartial() EntityOption {
	return func(o *entityOptions) {
		o.partial = true
	}
}

// ConvertFrom maps input through shape first and builds the entity from the
// shape's plain form.
func ConvertFrom(shape Shape) EntityOption {
	return func(o *entityOptions) {
		o.shape = shape
	}
}

// CreateEntityInstance converts data into T. Values already of type T are
// returned unchanged. Otherwise only fields T declares with a json tag are
// copied, extraneous input is dropped and missing fields stay zero.
func CreateEntityInstance[T any](data any, opts ...EntityOption) (T, error) {
	var entity T

	switch v := data.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return entity, ErrNilEntity
		}

		return *v, nil
	}

	options := &entityOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if options.partial {
		return constructEntity[T](data)
	}

	plain, err := plainInput(data)
	if err != nil {
		return entity, err
	}

	if options.shape != nil {
		plain, err = mapThroughShape(options.shape, plain)
		if err != nil {
			return entity, err
		}
	}

	err = decodeExposed(plain, &entity)
	if err != nil {
		return entity, fmt.Errorf("failed to map entity %T: %w", entity, err)
	}

	return entity, nil
}

// ToPlain returns the plain form of v with nil values removed.
func ToPlain(v any) (map[string]any, error) {
	plain, err := plainInput(v)
	if err != nil {
		return nil, err
	}

	for key, value := range plain {
		if isNil(value) {
			delete(plain, key)
		}
	}

	return plain, nil
}

// ToValues renders a plain map as URL query parameters. Slices become
// repeated keys and nested objects are JSON encoded.
func ToValues(plain map[string]any) url.Values {
	values := url.Values{}

	for key, value := range plain {
		if isNil(value) {
			continue
		}

		rv := reflect.ValueOf(value)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := range rv.Len() {
				values.Add(key, formatScalar(rv.Index(i).Interface()))
			}

			continue
		}

		values.Set(key, formatScalar(value))
	}

	return values
}

func constructEntity[T any](data any) (T, error) {
	var entity T

	if constructor, ok := any(&entity).(EntityConstructor); ok {
		raw, err := plainInput(data)
		if err != nil {
			return entity, err
		}

		err = constructor.FromRaw(raw)
		if err != nil {
			return entity, fmt.Errorf("failed to construct entity %T: %w", entity, err)
		}

		return entity, nil
	}

	encoded, err := rawJSON(data)
	if err != nil {
		return entity, err
	}

	if len(encoded) == 0 {
		return entity, nil
	}

	err = json.Unmarshal(encoded, &entity)
	if err != nil {
		return entity, fmt.Errorf("failed to decode entity %T: %w", entity, err)
	}

	return entity, nil
}

func mapThroughShape(shape Shape, plain map[string]any) (map[string]any, error) {
	intermediate := shape.New()

	err := decodeExposed(plain, intermediate)
	if err != nil {
		return nil, fmt.Errorf("failed to map through %T: %w", intermediate, err)
	}

	return plainInput(intermediate)
}

func decodeExposed(input map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:              "json",
		IgnoreUntaggedFields: true,
		Squash:               true,
		Result:               target,
		MatchName: func(mapKey, fieldName string) bool {
			return mapKey == fieldName
		},
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
			wholeNumberHook,
		),
	})
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

// wholeNumberHook refuses to truncate a fractional number into an integer
// field.
func wholeNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.Float64 && from.Kind() != reflect.Float32 {
		return data, nil
	}

	switch to.Kind() { //nolint:exhaustive
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}

	value := reflect.ValueOf(data).Float()
	if value != math.Trunc(value) {
		return nil, fmt.Errorf("%w: %v is not a whole number for %s", ErrUnsupportedInput, value, to)
	}

	return data, nil
}

// plainInput turns any supported input into a fresh map.
func plainInput(data any) (map[string]any, error) {
	switch v := data.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		plain := make(map[string]any, len(v))
		for key, value := range v {
			plain[key] = value
		}

		return plain, nil
	case Plainer:
		if isNil(v) {
			return map[string]any{}, nil
		}

		return v.ToPlain(), nil
	}

	encoded, err := rawJSON(data)
	if err != nil {
		return nil, err
	}

	plain := map[string]any{}
	if len(encoded) == 0 {
		return plain, nil
	}

	if encoded[0] != '{' {
		if bytes.Equal(encoded, []byte("null")) {
			return plain, nil
		}

		return nil, fmt.Errorf("%w: %T does not encode to an object", ErrUnsupportedInput, data)
	}

	err = json.Unmarshal(encoded, &plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedInput, err)
	}

	return plain, nil
}

func rawJSON(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		return bytes.TrimSpace(v), nil
	case json.RawMessage:
		return bytes.TrimSpace(v), nil
	case string:
		return bytes.TrimSpace([]byte(v)), nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedInput, err)
	}

	return encoded, nil
}

func formatScalar(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}

		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case time.Time:
		return v.Format(time.RFC3339)
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() { //nolint:exhaustive
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array:
		encoded, err := json.Marshal(value)
		if err == nil {
			return string(encoded)
		}
	case reflect.Pointer:
		if rv.IsNil() {
			return ""
		}

		return formatScalar(rv.Elem().Interface())
	}

	return fmt.Sprint(value)
}

func isNil(value any) bool {
	if value == nil {
		return true
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() { //nolint:exhaustive
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}

	return false
}
