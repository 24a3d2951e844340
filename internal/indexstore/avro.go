package indexstore

import (
	"bufio"
	"fmt"
	"os"

	"github.com/linkedin/goavro/v2"
)

// indexSchema is fixed (unlike the teacher's generated/merged schema in
// avroCheckpoint.go): one offsets list per file, so there is never a
// schema-evolution case to reconcile.
const indexSchema = `{
	"type": "record",
	"name": "FileIndex",
	"fields": [
		{"name": "path", "type": "string"},
		{"name": "offsets", "type": {"type": "array", "items": "long"}}
	]
}`

// writeOffsets snapshots offsets to a freshly (re)written Avro OCF file at
// avroPath, deflate-compressed as the teacher's checkpoint writer does.
func writeOffsets(avroPath string, path string, offsets []int64) error {
	codec, err := goavro.NewCodec(indexSchema)
	if err != nil {
		return fmt.Errorf("indexstore: build avro codec: %w", err)
	}

	f, err := os.OpenFile(avroPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("indexstore: open avro checkpoint %s: %w", avroPath, err)
	}
	defer f.Close()

	writer, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               f,
		Codec:           codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return fmt.Errorf("indexstore: build avro writer: %w", err)
	}

	offsetVals := make([]interface{}, len(offsets))
	for i, o := range offsets {
		offsetVals[i] = o
	}
	record := map[string]interface{}{"path": path, "offsets": offsetVals}
	if err := writer.Append([]interface{}{record}); err != nil {
		return fmt.Errorf("indexstore: write avro checkpoint: %w", err)
	}
	return nil
}

// readOffsets reads back the single record written by writeOffsets.
func readOffsets(avroPath string) ([]int64, error) {
	f, err := os.Open(avroPath)
	if err != nil {
		return nil, fmt.Errorf("indexstore: open avro checkpoint %s: %w", avroPath, err)
	}
	defer f.Close()

	reader, err := goavro.NewOCFReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("indexstore: open avro reader: %w", err)
	}

	var offsets []int64
	for reader.Scan() {
		rec, err := reader.Read()
		if err != nil {
			return nil, fmt.Errorf("indexstore: read avro record: %w", err)
		}
		m, ok := rec.(map[string]interface{})
		if !ok {
			continue
		}
		raw, ok := m["offsets"].([]interface{})
		if !ok {
			continue
		}
		offsets = make([]int64, 0, len(raw))
		for _, v := range raw {
			if n, ok := v.(int64); ok {
				offsets = append(offsets, n)
			}
		}
	}
	return offsets, nil
}
