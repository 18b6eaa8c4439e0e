// Package tools registers the default tool set: the three storefront
// mutations behind the upstream client, and the team-notification tool
// behind the chat surface. Handlers translate payloads to upstream calls
// and normalize responses; they carry no business logic of their own.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
	"github.com/okonuma/hanbai/internal/hanbai/upstream"
)

// Notifier posts a message to the team room. Satisfied by the Matrix
// client wrapper.
type Notifier interface {
	NotifyTeam(ctx context.Context, message string) error
}

const fxRepriceSchema = `{
	"type": "object",
	"properties": {
		"currency": {"type": "string", "minLength": 3, "maxLength": 3},
		"price_floor": {"type": "number", "minimum": 0},
		"dry_run": {"type": "boolean"},
		"force": {"type": "boolean"},
		"tenant_id": {"type": "string"}
	},
	"additionalProperties": false
}`

const discountCreateSchema = `{
	"type": "object",
	"properties": {
		"code": {"type": "string", "minLength": 1, "maxLength": 64},
		"percent_off": {"type": "integer", "minimum": 1, "maximum": 100},
		"max_uses": {"type": "integer", "minimum": 1},
		"dry_run": {"type": "boolean"},
		"force": {"type": "boolean"},
		"tenant_id": {"type": "string"}
	},
	"required": ["code", "percent_off"],
	"additionalProperties": false
}`

const publishSchema = `{
	"type": "object",
	"properties": {
		"product": {"type": "string", "minLength": 1},
		"dry_run": {"type": "boolean"},
		"force": {"type": "boolean"},
		"tenant_id": {"type": "string"}
	},
	"required": ["product"],
	"additionalProperties": false
}`

const notifySchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string", "minLength": 1},
		"dry_run": {"type": "boolean"}
	},
	"required": ["message"],
	"additionalProperties": false
}`

// Register installs the default tools into reg.
func Register(reg *tool.Registry, doer upstream.Doer, notifier Notifier) error {
	specs := []tool.Spec{
		{
			Name:       plan.ToolFXReprice,
			Kind:       tool.KindAction,
			Capability: "price_update",
			Schema:     fxRepriceSchema,
			Handler:    upstreamHandler(doer, http.MethodPut, "/v2/products/prices/fx"),
		},
		{
			Name:       plan.ToolDiscountCreate,
			Kind:       tool.KindAction,
			Capability: "discount_create",
			Schema:     discountCreateSchema,
			Handler:    upstreamHandler(doer, http.MethodPost, "/v2/offer_codes"),
		},
		{
			Name:       plan.ToolPublish,
			Kind:       tool.KindAction,
			Capability: "product_publish",
			Schema:     publishSchema,
			Handler:    upstreamHandler(doer, http.MethodPut, "/v2/products/publish"),
		},
		{
			Name:    plan.ToolNotifyTeam,
			Kind:    tool.KindNotify,
			Schema:  notifySchema,
			Handler: notifyHandler(notifier),
		},
	}
	for _, s := range specs {
		if err := reg.Register(s); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", s.Name, err)
		}
	}
	return nil
}

// upstreamHandler adapts one storefront endpoint to the tool contract.
// The payload goes to the endpoint as-is (dry_run and force included);
// the endpoint's JSON body is decoded into the uniform response shape.
// Transport failures surface as the returned error so the caller can tell
// "upstream said no" apart from "upstream unreachable".
func upstreamHandler(doer upstream.Doer, method, endpoint string) tool.Handler {
	return func(ctx context.Context, payload map[string]any, correlationID string) (*tool.Response, error) {
		body := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			body[k] = v
		}
		if correlationID != "" {
			body["correlation_id"] = correlationID
		}

		resp, err := doer.Do(ctx, method, endpoint, body)
		if err != nil {
			return nil, fmt.Errorf("upstream %s %s: %w", method, endpoint, err)
		}
		return decodeResponse(resp)
	}
}

// decodeResponse maps an upstream reply onto the tool response contract.
// Non-2xx statuses become tool-level errors, never Go errors: the request
// reached the platform and the platform answered.
func decodeResponse(resp *upstream.Response) (*tool.Response, error) {
	var out tool.Response
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("malformed upstream response: %w", err)
		}
	}
	if out.Status == "" {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			out.Status = "ok"
		} else {
			out.Status = "error"
		}
	}
	if out.Status != "ok" && out.Error == nil {
		out.Error = &tool.Error{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: fmt.Sprintf("upstream returned status %d", resp.StatusCode),
		}
	}
	return &out, nil
}

// notifyHandler posts the payload's message to the team room. Dry runs
// report what would be sent without sending it.
func notifyHandler(notifier Notifier) tool.Handler {
	return func(ctx context.Context, payload map[string]any, _ string) (*tool.Response, error) {
		message, _ := payload["message"].(string)
		if dry, _ := payload["dry_run"].(bool); dry {
			return &tool.Response{
				Status: "ok",
				Data:   map[string]any{"would_send": message},
			}, nil
		}
		if notifier == nil {
			return &tool.Response{
				Status: "error",
				Error:  &tool.Error{Code: "NOTIFY_UNAVAILABLE", Message: "no team room is configured"},
			}, nil
		}
		if err := notifier.NotifyTeam(ctx, message); err != nil {
			return nil, fmt.Errorf("failed to notify team: %w", err)
		}
		return &tool.Response{Status: "ok", Data: map[string]any{"sent": true}}, nil
	}
}
