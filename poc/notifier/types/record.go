package types

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var recordValidator = validator.New()

// IndexRecord is one package version entry of the index, parsed from a single JSON line.
// Fields other than name, vers and yanked are not interpreted; Raw keeps the line as read.
type IndexRecord struct {
	Name   string          `json:"name"`
	Vers   string          `json:"vers"`
	Yanked bool            `json:"yanked"`
	Raw    json.RawMessage `json:"raw"`
}

// recordLine is the wire shape used for schema validation.
type recordLine struct {
	Name   string `json:"name" validate:"required"`
	Vers   string `json:"vers" validate:"required"`
	Yanked *bool  `json:"yanked" validate:"required"`
}

// ParseIndexRecord parses one index line. The result only depends on the line bytes.
func ParseIndexRecord(line string) (IndexRecord, error) {
	raw := bytes.TrimSpace([]byte(line))
	if !json.Valid(raw) {
		return IndexRecord{}, fmt.Errorf("line is not valid JSON")
	}

	var wire recordLine
	if err := json.Unmarshal(raw, &wire); err != nil {
		return IndexRecord{}, fmt.Errorf("line does not match the record schema: %w", err)
	}
	if err := recordValidator.Struct(&wire); err != nil {
		return IndexRecord{}, fmt.Errorf("line does not match the record schema: %w", err)
	}

	return IndexRecord{
		Name:   wire.Name,
		Vers:   wire.Vers,
		Yanked: *wire.Yanked,
		Raw:    json.RawMessage(raw),
	}, nil
}

func (r IndexRecord) String() string {
	return fmt.Sprintf("%s#%s", r.Name, r.Vers)
}
