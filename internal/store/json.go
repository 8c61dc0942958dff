package store

import (
	"database/sql/driver"
	"fmt"
)

func valueJSON(v any) (driver.Value, error) {
	raw, err := jsonMarshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return string(raw), nil
}

func scanJSON(dst any, src any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return jsonUnmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return jsonUnmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into json column", src)
	}
}
