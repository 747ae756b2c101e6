package extract

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/parser"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

// Extractor converges both document classes onto []models.Invoice.
type Extractor struct {
	Service Service
	Timeout time.Duration
}

func New(svc Service, timeout time.Duration) *Extractor {
	return &Extractor{Service: svc, Timeout: timeout}
}

// Extract dispatches on the parsed document class.
func (e *Extractor) Extract(ctx context.Context, doc *parser.Document) ([]models.Invoice, []string, error) {
	switch doc.Class {
	case parser.ClassTabular:
		return FromTabular(doc.Tabular)
	case parser.ClassText:
		inv, err := e.FromText(ctx, doc.Text)
		if err != nil {
			return nil, nil, err
		}
		return []models.Invoice{inv}, nil, nil
	}
	return nil, nil, &utils.ExtractionError{Source: string(doc.Class), Reason: "unsupported document class"}
}

// FromText sends the text to the extraction service and decodes the answer
// against the invoice contract.
func (e *Extractor) FromText(ctx context.Context, txt *parser.Text) (models.Invoice, error) {
	if txt == nil || len(txt.Pages) == 0 {
		return models.Invoice{}, &utils.ExtractionError{Source: "text", Reason: "no text to extract from"}
	}
	if e.Service == nil {
		return models.Invoice{}, &utils.ExtractionError{Source: "text", Reason: "no extraction service configured"}
	}

	callCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	raw, err := e.Service.Extract(callCtx, txt.Joined(), json.RawMessage(InvoiceSchema))
	if err != nil {
		if ctx.Err() != nil {
			return models.Invoice{}, ctx.Err()
		}
		var ee *utils.ExtractionError
		if errors.As(err, &ee) {
			return models.Invoice{}, err
		}
		if utils.IsTimeout(err) {
			return models.Invoice{}, &utils.ExtractionError{Source: "service", Reason: "request timed out", Retryable: true, Err: err}
		}
		return models.Invoice{}, err
	}

	payload, err := DecodePayload(raw)
	if err != nil {
		return models.Invoice{}, err
	}
	return payload.Invoice()
}
