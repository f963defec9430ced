// Package normalizer turns caller input into an ordered list of identified items.
package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"

	apperrors "llm-field-tools/internal/common/errors"
	"llm-field-tools/internal/models"
)

// Normalize converts a list of scalars and maps into items:
//   - a map with both "id" and "data" keeps both as given
//   - a map with only "id" keeps the id and uses the whole map as data
//   - anything else gets the next auto id, counting from 0
//
// The auto counter only advances on auto-assignment, so explicit ids do not
// consume counter values. Any duplicate id in the result is rejected.
func Normalize(input interface{}) ([]models.Item, error) {
	list, err := asList(input)
	if err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(list))
	seen := make(map[string]int, len(list))
	autoID := 0

	for pos, raw := range list {
		item := normalizeOne(raw, &autoID)

		key, err := idKey(item.ID)
		if err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("item %d: %v", pos, err))
		}
		if first, dup := seen[key]; dup {
			return nil, apperrors.NewInvalidInputError(
				fmt.Sprintf("item %d: id %v collides with item %d", pos, item.ID, first))
		}
		seen[key] = pos
		items = append(items, item)
	}
	return items, nil
}

func normalizeOne(raw interface{}, autoID *int) models.Item {
	if m, ok := raw.(map[string]interface{}); ok {
		id, hasID := m["id"]
		data, hasData := m["data"]
		switch {
		case hasID && hasData:
			return models.Item{ID: id, Data: data}
		case hasID:
			return models.Item{ID: id, Data: m}
		}
	}
	item := models.Item{ID: *autoID, Data: raw}
	*autoID++
	return item
}

// Denormalize returns the data values of items in order.
func Denormalize(items []models.Item) []interface{} {
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item.Data
	}
	return out
}

// asList accepts []interface{} and any other slice or array type.
func asList(input interface{}) ([]interface{}, error) {
	if list, ok := input.([]interface{}); ok {
		return list, nil
	}
	if input == nil {
		return nil, apperrors.NewInvalidInputError("input must be a list, got null")
	}

	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("input must be a list, got %T", input))
	}
	list := make([]interface{}, v.Len())
	for i := range list {
		list[i] = v.Index(i).Interface()
	}
	return list, nil
}

// idKey maps an id onto a comparable key. Integral numbers share one key space
// regardless of their Go type, so a JSON-decoded 3.0 collides with auto id 3.
func idKey(id interface{}) (string, error) {
	switch v := id.(type) {
	case nil:
		return "z:", nil
	case string:
		return "s:" + v, nil
	case bool:
		return "b:" + strconv.FormatBool(v), nil
	case int:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int32:
		return "n:" + strconv.FormatInt(int64(v), 10), nil
	case int64:
		return "n:" + strconv.FormatInt(v, 10), nil
	case float32:
		return floatKey(float64(v)), nil
	case float64:
		return floatKey(v), nil
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return floatKey(f), nil
		}
		return "s:" + v.String(), nil
	default:
		return "", fmt.Errorf("id of type %T is not a scalar", id)
	}
}

func floatKey(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return "n:" + strconv.FormatInt(int64(f), 10)
	}
	return "f:" + strconv.FormatFloat(f, 'g', -1, 64)
}
