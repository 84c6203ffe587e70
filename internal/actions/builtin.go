package actions

import (
	"context"

	"github.com/forkline/automation/internal/expressions"
	"github.com/forkline/automation/pkg/schema"
)

// RegisterBuiltins wires the built-in workflow sub-actions into the registry.
// Collaborators may be nil; their actions then fail at dispatch with a clear
// error instead of at startup, so a store-less test setup can still register
// the pure actions.
func RegisterBuiltins(r *Registry, exprs *expressions.Registry, entities EntityService, email EmailSender, httpCfg HTTPConfig) error {
	builtins := []Action{
		&setVariableAction{exprs: exprs},
		&transformAction{exprs: exprs},
		&sendEmailAction{sender: email},
		&createRecordAction{entities: entities},
		&updateRecordAction{entities: entities},
		newCallAPIAction(httpCfg),
	}
	for _, a := range builtins {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// --- set_variable ---

// setVariableAction writes one variable: either a literal value or the
// result of a sandboxed expression over the variable bag.
type setVariableAction struct {
	exprs *expressions.Registry
}

func (a *setVariableAction) Name() string { return "set_variable" }

func (a *setVariableAction) Execute(ctx context.Context, input Input) (*Output, error) {
	name := stringParam(input.Params, "name", "")
	if name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "set_variable: missing 'name'")
	}

	if expression := stringParam(input.Params, "expression", ""); expression != "" {
		language := stringParam(input.Params, "language", "expr")
		engine, err := a.exprs.Select(language)
		if err != nil {
			return nil, err
		}
		value, err := engine.Evaluate(ctx, expression, map[string]any{"variables": input.Variables})
		if err != nil {
			return nil, err
		}
		return &Output{Variables: map[string]any{name: value}}, nil
	}

	value, ok := input.Params["value"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "set_variable: need 'value' or 'expression'")
	}
	return &Output{Variables: map[string]any{name: value}}, nil
}

// --- transform ---

// transformAction runs a jq program over the variable bag and stores the
// result in a target variable.
type transformAction struct {
	exprs *expressions.Registry
}

func (a *transformAction) Name() string { return "transform" }

func (a *transformAction) Execute(ctx context.Context, input Input) (*Output, error) {
	expression := stringParam(input.Params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: missing 'expression'")
	}
	target := stringParam(input.Params, "target", "")
	if target == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: missing 'target'")
	}

	engine, err := a.exprs.Select("jq")
	if err != nil {
		return nil, err
	}
	value, err := engine.Evaluate(ctx, expression, map[string]any{"variables": input.Variables})
	if err != nil {
		return nil, err
	}
	return &Output{Variables: map[string]any{target: value}}, nil
}

// --- send_email ---

type sendEmailAction struct {
	sender EmailSender
}

func (a *sendEmailAction) Name() string { return "send_email" }

func (a *sendEmailAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if a.sender == nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "send_email: no email sender configured")
	}

	to := stringParam(input.Params, "to", "")
	if to == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "send_email: missing 'to'")
	}
	subject := stringParam(input.Params, "subject", "")
	body := stringParam(input.Params, "body", "")

	if err := a.sender.Send(ctx, to, subject, body); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "send_email: %s", err.Error()).WithCause(err)
	}
	return &Output{Data: map[string]any{"to": to, "subject": subject}}, nil
}

// --- create_record / update_record ---

type createRecordAction struct {
	entities EntityService
}

func (a *createRecordAction) Name() string { return "create_record" }

func (a *createRecordAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if a.entities == nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "create_record: no entity service configured")
	}

	entity := stringParam(input.Params, "entity", "")
	if entity == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "create_record: missing 'entity'")
	}
	fields := mapParam(input.Params, "fields")

	id, err := a.entities.CreateRecord(ctx, entity, fields)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "create_record: %s", err.Error()).WithCause(err)
	}

	out := &Output{Data: map[string]any{"entity": entity, "id": id}}
	if idVar := stringParam(input.Params, "id_variable", ""); idVar != "" {
		out.Variables = map[string]any{idVar: id}
	}
	return out, nil
}

type updateRecordAction struct {
	entities EntityService
}

func (a *updateRecordAction) Name() string { return "update_record" }

func (a *updateRecordAction) Execute(ctx context.Context, input Input) (*Output, error) {
	if a.entities == nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "update_record: no entity service configured")
	}

	entity := stringParam(input.Params, "entity", "")
	id := stringParam(input.Params, "id", "")
	if entity == "" || id == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "update_record: missing 'entity' or 'id'")
	}
	fields := mapParam(input.Params, "fields")
	if len(fields) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "update_record: missing 'fields'")
	}

	if err := a.entities.UpdateRecord(ctx, entity, id, fields); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "update_record: %s", err.Error()).WithCause(err)
	}
	return &Output{Data: map[string]any{"entity": entity, "id": id}}, nil
}

// --- param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mv, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mv
}
