package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validate checks raw against configSchema. Grounded on the teacher's
// internal/config.Validate, adapted to return an error instead of
// aborting the process (that decision belongs to the caller in Load).
func validate(raw []byte) error {
	sch, err := jsonschema.CompileString("dltbroker-config.json", configSchema)
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("config: parse json: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("config: validate: %w", err)
	}
	return nil
}
