// Package calendar adapts a tenant's calendar backend to the uniform
// provider contract.
package calendar

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
	"create_event":       {method: http.MethodPost, path: staticPath("/events"), class: providers.ClassUnsafe, credits: 2, body: true},
	"get_event":          {method: http.MethodGet, path: eventPath(""), class: providers.ClassSafe, credits: 1},
	"list_events":        {method: http.MethodGet, path: staticPath("/events"), class: providers.ClassSafe, credits: 1},
	"cancel_event":       {method: http.MethodPost, path: eventPath("/cancel"), class: providers.ClassUnsafe, credits: 1},
	"check_availability": {method: http.MethodPost, path: staticPath("/availability"), class: providers.ClassSafe, credits: 1, body: true},
}

type Adapter struct {
	client *restkit.Client
}

func Factory(cfg *config.Config, binding storage.ProviderBinding) (providers.Adapter, error) {
	client, err := restkit.NewClient(providers.TypeCalendar, binding.BaseURL, binding.APIKey, cfg.Providers.HTTPTimeout)
	if err != nil {
		return nil, err
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) Execute(ctx context.Context, operation string, params providers.Params, opts providers.ExecOptions) (providers.Result, error) {
	spec, ok := operations[operation]
	if !ok {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeCalendar, operation, "unknown_operation", fmt.Sprintf("operation %q not supported", operation), nil)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	path, err := spec.path(params)
	if err != nil {
		return providers.Result{}, providers.NewPreFlightError(providers.TypeCalendar, operation, "bad_params", err.Error(), err)
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

func eventPath(suffix string) func(providers.Params) (string, error) {
	return func(params providers.Params) (string, error) {
		id, ok := restkit.PathParam(params, "event_id")
		if !ok {
			return "", fmt.Errorf("event_id required")
		}
		return "/events/" + id + suffix, nil
	}
}
