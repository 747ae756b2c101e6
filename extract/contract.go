package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

// InvoiceSchema is the JSON schema the extraction service must answer with.
const InvoiceSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["invoice_no", "vendor", "invoice_date", "due_date", "currency", "subtotal", "tax", "total", "lines"],
  "properties": {
    "invoice_no": {"type": "string"},
    "vendor": {"type": "string"},
    "invoice_date": {"type": "string", "description": "YYYY-MM-DD"},
    "due_date": {"type": ["string", "null"], "description": "YYYY-MM-DD"},
    "currency": {"type": "string", "description": "ISO 4217 code, e.g. USD"},
    "subtotal": {"type": "number"},
    "tax": {"type": "number"},
    "total": {"type": "number"},
    "lines": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["sku", "desc", "qty", "unit_price", "line_total"],
        "properties": {
          "sku": {"type": ["string", "null"]},
          "desc": {"type": "string"},
          "qty": {"type": "number"},
          "unit_price": {"type": "number"},
          "line_total": {"type": "number"}
        }
      }
    }
  }
}`

// Number is a JSON number decoded without coercion: quoted numerals,
// booleans and other literals are rejected.
type Number struct {
	decimal.Decimal
}

func (n *Number) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || (b[0] != '-' && (b[0] < '0' || b[0] > '9')) {
		return fmt.Errorf("expected a JSON number, got %s", b)
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	d, err := decimal.NewFromString(num.String())
	if err != nil {
		return err
	}
	n.Decimal = d
	return nil
}

// Payload is the strict shape of an extraction service response.
type Payload struct {
	InvoiceNo   string        `json:"invoice_no" validate:"required"`
	Vendor      string        `json:"vendor" validate:"required"`
	InvoiceDate string        `json:"invoice_date" validate:"required,datetime=2006-01-02"`
	DueDate     *string       `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Currency    string        `json:"currency" validate:"required,len=3,alpha,uppercase"`
	Subtotal    *Number       `json:"subtotal" validate:"required"`
	Tax         *Number       `json:"tax" validate:"required"`
	Total       *Number       `json:"total" validate:"required"`
	Lines       []PayloadLine `json:"lines" validate:"required,min=1,dive"`
}

type PayloadLine struct {
	Sku       *string `json:"sku"`
	Desc      string  `json:"desc" validate:"required"`
	Qty       *Number `json:"qty" validate:"required"`
	UnitPrice *Number `json:"unit_price" validate:"required"`
	LineTotal *Number `json:"line_total" validate:"required"`
}

// MissingKeyError reports a required key that is absent from the response.
// Nullable keys must still be present with an explicit null.
type MissingKeyError struct {
	Key string
}

func (e *MissingKeyError) Error() string { return fmt.Sprintf("missing required key %q", e.Key) }

// required keys, read from InvoiceSchema so the two cannot drift
var payloadKeys, lineKeys = schemaRequiredKeys()

func schemaRequiredKeys() (invoice, line []string) {
	var s struct {
		Required   []string `json:"required"`
		Properties struct {
			Lines struct {
				Items struct {
					Required []string `json:"required"`
				} `json:"items"`
			} `json:"lines"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(InvoiceSchema), &s); err != nil {
		panic(fmt.Sprintf("extract: invalid InvoiceSchema: %v", err))
	}
	return s.Required, s.Properties.Lines.Items.Required
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	type plain Payload
	return decodeStrictObject(b, payloadKeys, (*plain)(p))
}

func (l *PayloadLine) UnmarshalJSON(b []byte) error {
	type plain PayloadLine
	return decodeStrictObject(b, lineKeys, (*plain)(l))
}

// decodeStrictObject checks that every required key is present, then decodes
// b into dest rejecting unknown fields.
func decodeStrictObject(b []byte, required []string, dest any) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(b, &keys); err != nil {
		return err
	}
	for _, k := range required {
		if _, ok := keys[k]; !ok {
			return &MissingKeyError{Key: k}
		}
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

var validate = validator.New()

// DecodePayload decodes raw strictly: unknown fields, trailing data, missing
// keys and type mismatches are all rejected. Nothing is patched.
func DecodePayload(raw []byte) (*Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(bytes.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		ee := &utils.ExtractionError{Source: "service", Reason: "response does not match schema", Err: err}
		var missing *MissingKeyError
		if errors.As(err, &missing) {
			ee.Field = missing.Key
		}
		return nil, ee
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &utils.ExtractionError{Source: "service", Reason: "trailing data after response object"}
	}
	if err := validate.Struct(&p); err != nil {
		return nil, &utils.ExtractionError{Source: "service", Field: firstInvalidField(err), Reason: "response does not match schema", Err: err}
	}
	return &p, nil
}

func firstInvalidField(err error) string {
	fields := utils.ProcessValidationErrors(err)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

// Invoice converts a validated payload into the canonical model.
func (p *Payload) Invoice() (models.Invoice, error) {
	date, err := time.Parse("2006-01-02", p.InvoiceDate)
	if err != nil {
		return models.Invoice{}, &utils.ExtractionError{Source: "service", Field: FieldInvoiceDate, Reason: "cannot coerce value", Err: err}
	}
	inv := models.Invoice{
		InvoiceNo:   strings.TrimSpace(p.InvoiceNo),
		VendorName:  strings.TrimSpace(p.Vendor),
		InvoiceDate: date.UTC(),
		Currency:    p.Currency,
		Subtotal:    p.Subtotal.Decimal,
		Tax:         p.Tax.Decimal,
		Total:       p.Total.Decimal,
		Status:      models.InvoiceStatusReceived,
	}
	if p.DueDate != nil {
		due, err := time.Parse("2006-01-02", *p.DueDate)
		if err != nil {
			return models.Invoice{}, &utils.ExtractionError{Source: "service", Field: FieldDueDate, Reason: "cannot coerce value", Err: err}
		}
		due = due.UTC()
		inv.DueDate = &due
	}
	for i, l := range p.Lines {
		line := models.InvoiceLine{
			Position:    i,
			Description: strings.TrimSpace(l.Desc),
			Quantity:    l.Qty.Decimal,
			UnitPrice:   l.UnitPrice.Decimal,
			LineTotal:   l.LineTotal.Decimal,
		}
		if l.Sku != nil {
			line.Sku = strings.TrimSpace(*l.Sku)
		}
		if line.Description == "" {
			return models.Invoice{}, &utils.ExtractionError{Source: "service", Field: fmt.Sprintf("lines[%d].desc", i), Reason: "empty value"}
		}
		inv.Lines = append(inv.Lines, line)
	}
	return inv, nil
}
