package sender

import (
	"fmt"

	"github.com/osteele/liquid"

	"courier/internal/batch"
	"courier/internal/module"
)

// Builder renders batch-level content templates into per-recipient
// payloads. Liquid is applied to every textual content field; bindings are
// the recipient's identifier, name and variables.
type Builder struct {
	engine *liquid.Engine
}

func NewBuilder() *Builder {
	return &Builder{engine: liquid.NewEngine()}
}

func (b *Builder) bindings(r *batch.Recipient) map[string]interface{} {
	out := map[string]interface{}{
		"identifier": r.Identifier,
		"name":       r.Name,
		"email":      r.Identifier,
		"phone":      r.Identifier,
	}
	for k, v := range r.Variables {
		out[k] = v
	}
	return out
}

func (b *Builder) render(tmpl string, bindings map[string]interface{}) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	return b.engine.ParseAndRenderString(tmpl, bindings)
}

// Build produces one provider payload per recipient. A render failure fails
// only that recipient; the error is returned alongside a zero payload so
// the caller can record an individual failure without dropping the chunk.
func (b *Builder) Build(bt *batch.Batch, cfg *batch.SendConfig, r *batch.Recipient) (module.Payload, error) {
	bindings := b.bindings(r)
	p := module.Payload{
		RecipientID: r.ID,
		To:          r.Identifier,
		Name:        r.Name,
		Variables:   r.Variables,
	}

	switch cfg.Module {
	case batch.ModuleEmail:
		ep := bt.Payload.Email
		if ep == nil {
			return p, batch.ErrMissingVariant
		}
		var err error
		if p.Subject, err = b.render(ep.Subject, bindings); err != nil {
			return p, fmt.Errorf("render subject: %w", err)
		}
		if p.HTMLContent, err = b.render(ep.HTMLContent, bindings); err != nil {
			return p, fmt.Errorf("render html_content: %w", err)
		}
		if p.TextContent, err = b.render(ep.TextContent, bindings); err != nil {
			return p, fmt.Errorf("render text_content: %w", err)
		}
		// Batch payload may override the config's sender identity.
		p.FromEmail = ep.FromEmail
		p.FromName = ep.FromName
		if p.FromEmail == "" && cfg.Config.Email != nil {
			p.FromEmail = cfg.Config.Email.FromEmail
			p.FromName = cfg.Config.Email.FromName
		}
		if cfg.Config.Email != nil {
			p.ReplyTo = cfg.Config.Email.ReplyTo
		}

	case batch.ModuleWebhook:
		data, err := b.renderMap(bt.Payload.Webhook, bindings)
		if err != nil {
			return p, err
		}
		p.Data = data

	case batch.ModuleSMS:
		sp := bt.Payload.SMS
		if sp == nil {
			return p, batch.ErrMissingVariant
		}
		var err error
		if p.Message, err = b.render(sp.Message, bindings); err != nil {
			return p, fmt.Errorf("render message: %w", err)
		}
		p.From = sp.From

	case batch.ModulePush:
		pp := bt.Payload.Push
		if pp == nil {
			return p, batch.ErrMissingVariant
		}
		var err error
		if p.Title, err = b.render(pp.Title, bindings); err != nil {
			return p, fmt.Errorf("render title: %w", err)
		}
		if p.Body, err = b.render(pp.Body, bindings); err != nil {
			return p, fmt.Errorf("render body: %w", err)
		}
		if len(pp.Data) > 0 {
			p.Data = make(map[string]interface{}, len(pp.Data))
			for k, v := range pp.Data {
				rendered, err := b.render(v, bindings)
				if err != nil {
					return p, fmt.Errorf("render data.%s: %w", k, err)
				}
				p.Data[k] = rendered
			}
		}

	default:
		return p, fmt.Errorf("unknown module %q", cfg.Module)
	}

	return p, nil
}

// renderMap walks an arbitrary webhook body and renders every string leaf.
func (b *Builder) renderMap(in map[string]interface{}, bindings map[string]interface{}) (map[string]interface{}, error) {
	if in == nil {
		return map[string]interface{}{}, nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		rendered, err := b.renderValue(v, bindings)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func (b *Builder) renderValue(v interface{}, bindings map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return b.render(t, bindings)
	case map[string]interface{}:
		return b.renderMap(t, bindings)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			rendered, err := b.renderValue(e, bindings)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
