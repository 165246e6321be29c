// Package helpdesk adapts a tenant's ticketing backend to the uniform
// provider contract.
package helpdesk

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/adapters/restkit"
	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

type operationSpec struct {
	method  string
	path    func(providers.Params) (string, error)
	class   providers.IdempotencyClass
	credits int64
	body    bool
}

var operations = map[string]operationSpec{
	"create_ticket": {method: http.MethodPost, path: staticPath("/tickets"), class: providers.ClassUnsafe, credits: 2, body: true},
	"get_ticket":    {method: http.MethodGet, path: ticketPath(""), class: providers.ClassSafe, credits: 1},
	"list_tickets":  {method: http.MethodGet, path: staticPath("/tickets"), class: providers.ClassSafe, credits: 1},
	"add_comment":   {method: http.MethodPost, path: ticketPath("/comments"), class: providers.ClassUnsafe, credits: 1, body: true},
	"close_ticket":  {method: http.MethodPost, path: ticketPath("/close"), class: providers.ClassUnsafe, credits: 1},
}

type Adapter struct {
	client *restkit.Client
}

func Factory(cfg *config.Config, binding storage.ProviderBinding) (providers.Adapter, error) {
	client, err := restkit.NewClient(providers.TypeHelpdesk, binding.BaseURL, binding.APIKey, cfg.Providers.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Execute(ctx context.Context, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	spec, ok := operations[operation]
	if !ok {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeHelpdesk, operation, "unknown_operation", fmt.Sprintf("operation %q not supported", operation), nil)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	path, err := spec.path(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeHelpdesk, operation, "bad_params", err.Error(), err)
	}

	var body any
	if spec.body {
		body = map[string]any(params)
	}

	status, payload, err := a.client.DoJSON(ctx, operation, spec.method, path, body)
	if err != nil {
		return providers.Result{}, err
	}
	return providers.Result{StatusCode: status, Body: payload}, nil
}

func (a *Adapter) CostModel(operation string, params providers.Params, result providers.Result) decimal.Decimal {
	spec, ok := operations[operation]
	if !ok {
		return decimal.Zero
	}
	return decimal.NewFromInt(spec.credits)
}

func (a *Adapter) IdempotencyClass(operation string) providers.IdempotencyClass {
	spec, ok := operations[operation]
	if !ok {
		return providers.ClassUnsafe
	}
	return spec.class
}

func staticPath(p string) func(providers.Params) (string, error) {
	return func(providers.Params) (string, error) {
		return p, nil
	}
}

func ticketPath(suffix string) func(providers.Params) (string, error) {
	return func(params providers.Params) (string, error) {
		id, ok := restkit.PathParam(params, "ticket_id")
		if !ok {
			return "", fmt.Errorf("ticket_id required")
		}
		return "/tickets/" + id + suffix, nil
	}
}
