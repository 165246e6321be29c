// Package crm adapts a tenant's CRM backend (contacts and deals) to the
// uniform provider contract.
package crm

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
	"create_contact": {method: http.MethodPost, path: staticPath("/contacts"), class: providers.ClassUnsafe, credits: 2, body: true},
	"update_contact": {method: http.MethodPatch, path: idPath("/contacts", "contact_id"), class: providers.ClassUnsafe, credits: 2, body: true},
	"get_contact":    {method: http.MethodGet, path: idPath("/contacts", "contact_id"), class: providers.ClassSafe, credits: 1},
	"search_contacts": {method: http.MethodGet, path: staticPath("/contacts"), class: providers.ClassSafe, credits: 1},
	"create_deal":    {method: http.MethodPost, path: staticPath("/deals"), class: providers.ClassUnsafe, credits: 2, body: true},
	"list_deals":     {method: http.MethodGet, path: staticPath("/deals"), class: providers.ClassSafe, credits: 1},
}

// Adapter talks to a generic REST CRM. Vendor-specific field mapping happens
// upstream of the gateway; params pass through as the request body.
type Adapter struct {
	client *restkit.Client
}

// Factory builds the CRM adapter from a tenant binding.
func Factory(cfg *config.Config, binding storage.ProviderBinding) (providers.Adapter, error) {
	client, err := restkit.NewClient(providers.TypeCRM, binding.BaseURL, binding.APIKey, cfg.Providers.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Execute(ctx context.Context, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	return execute(ctx, a.client, providers.TypeCRM, operation, params, opts)
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

func execute(ctx context.Context, client *restkit.Client, providerType, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	spec, ok := operations[operation]
	if !ok {
		return providers.Result{}, providers.NewPreFlightError(providerType, operation, "unknown_operation", fmt.Sprintf("operation %q not supported", operation), nil)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	path, err := spec.path(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providerType, operation, "bad_params", err.Error(), err)
	}

	var body any
	if spec.body {
		body = map[string]any(params)
	}

	status, payload, err := client.DoJSON(ctx, operation, spec.method, path, body)
	if err != nil {
		return providers.Result{}, err
	}
	return providers.Result{StatusCode: status, Body: payload}, nil
}

func staticPath(p string) func(providers.Params) (string, error) {
	return func(providers.Params) (string, error) {
		return p, nil
	}
}

func idPath(base, key string) func(providers.Params) (string, error) {
	return func(params providers.Params) (string, error) {
		id, ok := restkit.PathParam(params, key)
		if !ok {
			return "", fmt.Errorf("%s required", key)
		}
		return base + "/" + id, nil
	}
}
