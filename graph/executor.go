package graph

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/99designs/gqlgen/graphql"
	"github.com/sirupsen/logrus"
	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/mmdatafocus/procuresight_backend/alerts"
	"github.com/mmdatafocus/procuresight_backend/config"
	"github.com/mmdatafocus/procuresight_backend/models"
	"github.com/mmdatafocus/procuresight_backend/utils"
)

//go:embed schema.graphqls
var schemaSDL string

var (
	errMissingOrg = errors.New("organization id is required")
	errBadInput   = errors.New("invalid argument")
)

type executableSchema struct {
	schema   *ast.Schema
	resolver *Resolver
}

// NewExecutableSchema serves the alert and invoice fields straight from the
// resolver. Fields are resolved serially in document order.
func NewExecutableSchema(r *Resolver) graphql.ExecutableSchema {
	return &executableSchema{
		schema:   gqlparser.MustLoadSchema(&ast.Source{Name: "schema.graphqls", Input: schemaSDL}),
		resolver: r,
	}
}

func (e *executableSchema) Schema() *ast.Schema {
	return e.schema
}

func (e *executableSchema) Complexity(typeName, field string, childComplexity int, args map[string]interface{}) (int, bool) {
	return 0, false
}

func (e *executableSchema) Exec(ctx context.Context) graphql.ResponseHandler {
	opCtx := graphql.GetOperationContext(ctx)
	var root string
	switch opCtx.Operation.Operation {
	case ast.Query:
		root = "Query"
	case ast.Mutation:
		root = "Mutation"
	default:
		return graphql.OneShot(graphql.ErrorResponse(ctx, "unsupported operation %s", opCtx.Operation.Operation))
	}

	out := &object{}
	var errs gqlerror.List
	nullData := false
	for _, f := range graphql.CollectFields(opCtx, opCtx.Operation.SelectionSet, []string{root}) {
		if f.Name == "__typename" {
			out.add(f.Alias, graphql.MarshalString(root))
			continue
		}
		v, err := e.resolveRoot(ctx, root, f, f.ArgumentMap(opCtx.Variables))
		if err != nil {
			errs = append(errs, fieldError(ctx, f, err))
			if f.Definition != nil && f.Definition.Type.NonNull {
				nullData = true
			}
			out.add(f.Alias, graphql.Null)
			continue
		}
		out.add(f.Alias, project(opCtx, v, f.Selections))
	}

	resp := &graphql.Response{Errors: errs}
	if nullData {
		resp.Data = json.RawMessage("null")
	} else {
		var buf bytes.Buffer
		out.MarshalGQL(&buf)
		resp.Data = buf.Bytes()
	}
	return graphql.OneShot(resp)
}

func (e *executableSchema) resolveRoot(ctx context.Context, root string, f graphql.CollectedField, args map[string]interface{}) (any, error) {
	r := e.resolver
	switch root + "." + f.Name {
	case "Query.alerts":
		first, err := intArg(args, "first")
		if err != nil {
			return nil, err
		}
		list, page, err := r.Alerts(ctx, AlertsArgs{
			Status:   models.AlertStatus(stringArg(args, "status")),
			Severity: models.AlertSeverity(stringArg(args, "severity")),
			Type:     models.AlertType(stringArg(args, "type")),
			First:    first,
			After:    stringArg(args, "after"),
		})
		if err != nil {
			return nil, err
		}
		edges := make([]node, 0, len(list))
		for _, a := range list {
			edges = append(edges, alertNode(a))
		}
		return connectionNode("AlertConnection", edges, page), nil

	case "Query.alert":
		id, err := requiredInt(args, "id")
		if err != nil {
			return nil, err
		}
		a, err := r.Alert(ctx, id)
		if err != nil || a == nil {
			return nil, err
		}
		return alertNode(*a), nil

	case "Query.invoices":
		first, err := intArg(args, "first")
		if err != nil {
			return nil, err
		}
		vendor, err := intArg(args, "vendorId")
		if err != nil {
			return nil, err
		}
		in := InvoicesArgs{
			Status:      models.InvoiceStatus(stringArg(args, "status")),
			NeedsReview: boolArg(args, "needsReview"),
			First:       first,
			After:       stringArg(args, "after"),
		}
		if vendor != nil {
			in.VendorId = *vendor
		}
		list, page, err := r.Invoices(ctx, in)
		if err != nil {
			return nil, err
		}
		edges := make([]node, 0, len(list))
		for _, inv := range list {
			edges = append(edges, invoiceNode(inv))
		}
		return connectionNode("InvoiceConnection", edges, page), nil

	case "Query.invoice":
		id, err := requiredInt(args, "id")
		if err != nil {
			return nil, err
		}
		inv, err := r.Invoice(ctx, id)
		if err != nil || inv == nil {
			return nil, err
		}
		return invoiceNode(*inv), nil

	case "Mutation.updateAlert":
		id, err := requiredInt(args, "id")
		if err != nil {
			return nil, err
		}
		updated, err := r.UpdateAlert(ctx, id, models.AlertStatus(stringArg(args, "status")))
		if err != nil {
			return nil, err
		}
		return alertNode(*updated), nil
	}
	return nil, fmt.Errorf("%w: field %s.%s is not served", errBadInput, root, f.Name)
}

// fieldError maps pipeline errors onto GraphQL error codes; anything
// unrecognised is logged and reported as INTERNAL.
func fieldError(ctx context.Context, f graphql.CollectedField, err error) *gqlerror.Error {
	gerr := &gqlerror.Error{
		Message: err.Error(),
		Path:    ast.Path{ast.PathName(f.Alias)},
	}
	if f.Position != nil {
		gerr.Locations = []gqlerror.Location{{Line: f.Position.Line, Column: f.Position.Column}}
	}
	var se *utils.StorageError
	switch {
	case errors.Is(err, errMissingOrg), errors.Is(err, errBadInput), errors.Is(err, alerts.ErrUnknownStatus):
		gerr.Extensions = map[string]interface{}{"code": "BAD_USER_INPUT"}
	case errors.Is(err, utils.ErrorRecordNotFound):
		gerr.Extensions = map[string]interface{}{"code": "NOT_FOUND"}
	case errors.Is(err, alerts.ErrInvalidTransition):
		gerr.Extensions = map[string]interface{}{"code": "INVALID_TRANSITION"}
	case errors.As(err, &se):
		gerr.Extensions = map[string]interface{}{"code": "STORAGE_ERROR", "retryable": true, "op": se.Op}
	default:
		org, _ := utils.GetOrgIdFromContext(ctx)
		config.GetLogger().WithFields(logrus.Fields{
			"module":   "graph",
			"funcName": "Exec",
			"field":    f.Name,
			"org_id":   org,
		}).Error(err.Error())
		gerr.Message = "internal error"
		gerr.Extensions = map[string]interface{}{"code": "INTERNAL"}
	}
	return gerr
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func boolArg(args map[string]interface{}, name string) *bool {
	if b, ok := args[name].(bool); ok {
		return &b
	}
	return nil
}

func requiredInt(args map[string]interface{}, name string) (int, error) {
	v, err := intArg(args, name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("%w: %s is required", errBadInput, name)
	}
	return *v, nil
}

// intArg accepts literal ints and JSON variables, which arrive as
// json.Number.
func intArg(args map[string]interface{}, name string) (*int, error) {
	raw, ok := args[name]
	if !ok || raw == nil {
		return nil, nil
	}
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int32:
		n = int(v)
	case int64:
		n = int(v)
	case float64:
		if v != float64(int(v)) {
			return nil, fmt.Errorf("%w: %s must be an integer", errBadInput, name)
		}
		n = int(v)
	case json.Number:
		i, err := strconv.Atoi(v.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", errBadInput, name)
		}
		n = i
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be an integer", errBadInput, name)
		}
		n = i
	default:
		return nil, fmt.Errorf("%w: %s must be an integer", errBadInput, name)
	}
	return &n, nil
}

// object keeps response keys in selection order.
type object struct {
	keys   []string
	values []graphql.Marshaler
}

func (o *object) add(key string, v graphql.Marshaler) {
	o.keys = append(o.keys, key)
	o.values = append(o.values, v)
}

func (o *object) MarshalGQL(w io.Writer) {
	_, _ = io.WriteString(w, "{")
	for i, k := range o.keys {
		if i > 0 {
			_, _ = io.WriteString(w, ",")
		}
		graphql.MarshalString(k).MarshalGQL(w)
		_, _ = io.WriteString(w, ":")
		o.values[i].MarshalGQL(w)
	}
	_, _ = io.WriteString(w, "}")
}
