package credits

import (
	"encoding/json"
	"fmt"
)

// Transaction metadata is a free-form string-to-JSON-value map persisted as
// jsonb. An empty map is stored as NULL.

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction metadata: %w", err)
	}
	return raw, nil
}

func unmarshalMetadata(raw []byte, dst *map[string]interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal transaction metadata: %w", err)
	}
	return nil
}
