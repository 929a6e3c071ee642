package httpapi

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

const createBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["batchId", "cropName", "cropVariety", "location", "harvestDate", "price"],
  "properties": {
    "batchId": {"type": "string", "minLength": 1, "maxLength": 128},
    "cropName": {"type": "string", "minLength": 1, "maxLength": 128},
    "cropVariety": {"type": "string", "minLength": 1, "maxLength": 128},
    "location": {"type": "string", "minLength": 1, "maxLength": 256},
    "harvestDate": {"type": "string", "minLength": 10},
    "farmerAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
    "price": {
      "oneOf": [
        {"type": "string", "pattern": "^[0-9]+$"},
        {"type": "integer", "exclusiveMinimum": 0}
      ]
    }
  },
  "additionalProperties": false
}`

const certifyBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["cropHealth", "expiry", "passed"],
  "properties": {
    "cropHealth": {"type": "string", "minLength": 1, "maxLength": 256},
    "expiry": {"type": "string", "minLength": 10},
    "passed": {"type": "boolean"},
    "certifierAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
  },
  "additionalProperties": false
}`

const purchaseBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "retailerAddress": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
  },
  "additionalProperties": false
}`

type requestSchemas struct {
	create   *gojsonschema.Schema
	certify  *gojsonschema.Schema
	purchase *gojsonschema.Schema
}

func loadSchemas() (requestSchemas, error) {
	var out requestSchemas
	for _, s := range []struct {
		name   string
		source string
		dst    **gojsonschema.Schema
	}{
		{"create", createBatchSchema, &out.create},
		{"certify", certifyBatchSchema, &out.certify},
		{"purchase", purchaseBatchSchema, &out.purchase},
	} {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s.source))
		if err != nil {
			return requestSchemas{}, fmt.Errorf("compile %s schema: %w", s.name, err)
		}
		*s.dst = compiled
	}
	return out, nil
}

// schemaError lists the violations of a request body.
type schemaError struct {
	details []string
}

func (e *schemaError) Error() string {
	return "request body failed validation: " + strings.Join(e.details, "; ")
}

// validate checks body against schema. An empty body is validated as {}.
func validate(schema *gojsonschema.Schema, body []byte) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return &schemaError{details: []string{"body is not valid JSON"}}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &schemaError{details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return &schemaError{details: details}
}

type createBatchRequest struct {
	BatchID       string          `json:"batchId"`
	CropName      string          `json:"cropName"`
	CropVariety   string          `json:"cropVariety"`
	Location      string          `json:"location"`
	HarvestDate   string          `json:"harvestDate"`
	FarmerAddress string          `json:"farmerAddress"`
	Price         json.RawMessage `json:"price"`
}

type certifyBatchRequest struct {
	CropHealth       string `json:"cropHealth"`
	Expiry           string `json:"expiry"`
	Passed           bool   `json:"passed"`
	CertifierAddress string `json:"certifierAddress"`
}

type purchaseBatchRequest struct {
	RetailerAddress string `json:"retailerAddress"`
}

// parseAmount accepts a JSON integer or a decimal string.
func parseAmount(raw json.RawMessage) (*big.Int, error) {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	v, ok := new(big.Int).SetString(text, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("price must be a positive integer, got %s", string(raw))
	}
	return v, nil
}

// parseDate accepts YYYY-MM-DD or RFC 3339.
func parseDate(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be YYYY-MM-DD or RFC 3339, got %q", field, value)
	}
	return t.UTC(), nil
}

func decodeStrict(body []byte, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
