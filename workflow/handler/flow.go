package handler

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowd/common/models"
	"github.com/flowmesh/flowd/common/rules"
	"github.com/flowmesh/flowd/workflow/expr"
)

// Switch evaluates the node expression and routes data down every edge whose
// paired rule accepts the value. An edge list one longer than the rule list
// carries a trailing default branch that is always taken.
func Switch(_ context.Context, data models.Data, rc *Context) (any, error) {
	value, err := rc.Eval.Eval(rc.Node.Expr, data)
	if err != nil {
		return nil, err
	}

	edges := rc.Node.Edges
	nodeRules := rc.Node.Rules
	results := make([]models.Result, 0, len(edges))

	for i, rule := range nodeRules {
		if i >= len(edges) {
			break
		}
		if edges[i] == nil {
			continue
		}
		if rule.Test(value) {
			results = append(results, models.Result{Edge: edges[i], Data: data})
		}
	}
	if len(edges) == len(nodeRules)+1 && edges[len(edges)-1] != nil {
		results = append(results, models.Result{Edge: edges[len(edges)-1], Data: data})
	}
	return results, nil
}

// Loop evaluates the node expression to a list and fans out one result per
// edge per item, edge-major. Items must satisfy every rule to follow an edge;
// each result carries its own copy of data with the item injected under
// member (default "__each__").
func Loop(_ context.Context, data models.Data, rc *Context) (any, error) {
	items, err := rc.Eval.EvalList(rc.Node.Expr, data)
	if err != nil {
		return nil, err
	}

	member := rc.Node.Member
	if member == "" {
		member = "__each__"
	}

	var results []models.Result
	for _, edge := range rc.Node.Edges {
		if edge == nil {
			continue
		}
		for _, item := range items {
			if !passesAll(rc.Node.Rules, item) {
				continue
			}
			itemData, err := expr.DeepCopy(data)
			if err != nil {
				return nil, err
			}
			itemData[member] = item
			results = append(results, models.Result{Edge: edge, Data: itemData})
		}
	}
	return results, nil
}

func passesAll(ruleSet []rules.Rule, item any) bool {
	for _, rule := range ruleSet {
		if !rule.Test(item) {
			return false
		}
	}
	return true
}

// Function runs the node's sandboxed function body. A map return broadcasts;
// a list pairs positionally with edges (nil entries drop the edge, excess
// entries are ignored); no return propagates the input.
func Function(_ context.Context, data models.Data, rc *Context) (any, error) {
	out, err := rc.Functions.Run(rc.Node.Function, data)
	if err != nil {
		return nil, err
	}
	return shapeSandboxResult(out, data, rc.Node.Edges)
}

// Script runs the node's script expression with the same result contract as
// Function.
func Script(_ context.Context, data models.Data, rc *Context) (any, error) {
	out, err := rc.Scripts.Run(rc.Node.Script, data)
	if err != nil {
		return nil, err
	}
	return shapeSandboxResult(out, data, rc.Node.Edges)
}

// shapeSandboxResult maps a sandbox return value onto the handler contract.
func shapeSandboxResult(out any, data models.Data, edges []*string) (any, error) {
	switch v := out.(type) {
	case nil:
		return data, nil
	case map[string]any:
		return models.Data(v), nil
	case []any:
		results := make([]models.Result, 0, len(v))
		for i, item := range v {
			if i >= len(edges) {
				break
			}
			if item == nil || edges[i] == nil {
				continue
			}
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("list element %d is %T, want an object", i, item)
			}
			results = append(results, models.Result{Edge: edges[i], Data: models.Data(doc)})
		}
		return results, nil
	default:
		return nil, fmt.Errorf("unsupported result type %T", out)
	}
}

// TransformData applies the node's transforms in order to a copy of data.
func TransformData(_ context.Context, data models.Data, rc *Context) (any, error) {
	out, err := expr.DeepCopy(data)
	if err != nil {
		return nil, err
	}

	for _, t := range rc.Node.Transforms {
		switch t.Type {
		case models.TransformMove:
			value, ok := expr.GetPath(out, t.Source)
			if !ok {
				continue
			}
			expr.DeletePath(out, t.Source)
			if t.Datatype != "" {
				if value, err = expr.Cast(value, t.Datatype); err != nil {
					return nil, err
				}
			}
			expr.SetPath(out, t.Target, value)

		case models.TransformSet:
			value, err := rc.Eval.Eval(t.Source, out)
			if err != nil {
				return nil, err
			}
			if t.Datatype != "" {
				if value, err = expr.Cast(value, t.Datatype); err != nil {
					return nil, err
				}
			}
			expr.SetPath(out, t.Target, value)

		case models.TransformDelete:
			expr.DeletePath(out, t.Source)

		default:
			return nil, fmt.Errorf("unknown transform type %q", t.Type)
		}
	}
	return out, nil
}

// Pick builds a fresh document from named expressions over the input.
func Pick(_ context.Context, data models.Data, rc *Context) (any, error) {
	out := models.Data{}
	for field, expression := range rc.Node.Expressions {
		value, err := rc.Eval.Eval(expression, data)
		if err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, nil
}
