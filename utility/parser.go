package utility

import (
	"encoding/json"
)

// ParseJson decodes an OCPP-J frame into its top level array elements.
// Payload objects come back as map[string]interface{} and are decoded
// into concrete types by the caller.
func ParseJson(b []byte) ([]interface{}, error) {
	if len(b) == 0 {
		return nil, Err("empty frame")
	}
	var array []interface{}
	err := json.Unmarshal(b, &array)
	return array, err
}
