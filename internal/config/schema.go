package config

// configSchema validates the on-disk JSON configuration file's shape
// before it is unmarshaled into Keys. Grounded on the teacher's
// internal/config/validate.go (jsonschema.CompileString against an
// embedded string) and internal/memorystore/configSchema.go's pattern of
// keeping the schema as a Go string constant rather than a loaded file.
const configSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"source": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"kind": {"type": "string", "enum": ["file", "socket"]},
				"path": {"type": "string"},
				"live": {"type": "boolean"},
				"address": {"type": "string"},
				"port": {"type": "integer"},
				"hostInterface": {"type": "string"},
				"connectTimeout": {"type": "string"}
			},
			"required": ["kind"]
		},
		"sinkFile": {"type": "string"},
		"enableFilterAck": {"type": "boolean"},
		"ackTimeout": {"type": "string"},
		"ignoreAckTimeout": {"type": "boolean"},
		"filterMax": {"type": "integer"},
		"nats": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"address": {"type": "string"},
				"subject": {"type": "string"},
				"username": {"type": "string"},
				"password": {"type": "string"},
				"credsFilePath": {"type": "string"}
			}
		},
		"indexStore": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"enabled": {"type": "boolean"},
				"sqlitePath": {"type": "string"},
				"avroDir": {"type": "string"}
			}
		},
		"statusAPI": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"enabled": {"type": "boolean"},
				"addr": {"type": "string"}
			}
		},
		"maintenance": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"checkpointInterval": {"type": "string"},
				"statsInterval": {"type": "string"}
			}
		}
	},
	"required": ["source"]
}`
