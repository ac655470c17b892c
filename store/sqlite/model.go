package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/rpcbridge/contracts"
	"github.com/glimte/rpcbridge/messaging"
)

// Definition exposes the collection as a bridge model.
//
// Static methods: create(data), find(filter?), findById(id), count(where?),
// exists(id), deleteById(id). Instance methods: toJSON(),
// updateAttributes(data), destroy().
func (c *Collection) Definition() messaging.ModelDefinition {
	return messaging.ModelDefinition{
		Name:       c.name,
		Store:      c,
		Observable: c,
		StaticMethods: map[string]messaging.Method{
			"create":     blocking(c.create),
			"find":       blocking(c.find),
			"findById":   blocking(c.findByID),
			"count":      blocking(c.count),
			"exists":     blocking(c.exists),
			"deleteById": blocking(c.deleteByID),
		},
		InstanceMethods: map[string]messaging.Method{
			"toJSON":           blocking(c.toJSON),
			"updateAttributes": blocking(c.updateAttributes),
			"destroy":          blocking(c.destroy),
		},
	}
}

// blocking adapts a synchronous function to a Method
func blocking(fn func(ctx context.Context, call messaging.Call) (any, error)) messaging.Method {
	return func(ctx context.Context, call messaging.Call, done messaging.Completion) {
		done(fn(ctx, call))
	}
}

func (c *Collection) create(ctx context.Context, call messaging.Call) (any, error) {
	attrs, err := objectArg(call, 0, false)
	if err != nil {
		return nil, err
	}
	return c.Create(ctx, attrs)
}

func (c *Collection) find(ctx context.Context, call messaging.Call) (any, error) {
	var filter Filter
	if len(call.Args) > 0 && string(call.Args[0]) != "null" {
		if err := call.Arg(0, &filter); err != nil {
			return nil, err
		}
	}
	return c.Find(ctx, filter)
}

func (c *Collection) findByID(ctx context.Context, call messaging.Call) (any, error) {
	id, err := idArg(call, 0)
	if err != nil {
		return nil, err
	}
	return c.FindByID(ctx, id)
}

func (c *Collection) count(ctx context.Context, call messaging.Call) (any, error) {
	where, err := objectArg(call, 0, true)
	if err != nil {
		return nil, err
	}
	return c.Count(ctx, where)
}

func (c *Collection) exists(ctx context.Context, call messaging.Call) (any, error) {
	id, err := idArg(call, 0)
	if err != nil {
		return nil, err
	}
	return c.Exists(ctx, id)
}

func (c *Collection) deleteByID(ctx context.Context, call messaging.Call) (any, error) {
	id, err := idArg(call, 0)
	if err != nil {
		return nil, err
	}
	n, err := c.DeleteByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

func (c *Collection) toJSON(ctx context.Context, call messaging.Call) (any, error) {
	return call.Target, nil
}

func (c *Collection) updateAttributes(ctx context.Context, call messaging.Call) (any, error) {
	attrs, err := objectArg(call, 0, false)
	if err != nil {
		return nil, err
	}
	return c.UpdateAttributes(ctx, call.ID, attrs)
}

func (c *Collection) destroy(ctx context.Context, call messaging.Call) (any, error) {
	n, err := c.DeleteByID(ctx, call.ID)
	if err != nil {
		return nil, err
	}
	return map[string]int{"count": n}, nil
}

// objectArg decodes the i-th argument as a JSON object
func objectArg(call messaging.Call, i int, optional bool) (map[string]any, error) {
	if i >= len(call.Args) || string(call.Args[i]) == "null" {
		if optional {
			return nil, nil
		}
		return nil, contracts.BadRequest(fmt.Sprintf("argument %d must be an object", i))
	}
	var obj map[string]any
	if err := json.Unmarshal(call.Args[i], &obj); err != nil {
		return nil, contracts.BadRequest(fmt.Sprintf("argument %d must be an object", i))
	}
	return obj, nil
}

// idArg decodes the i-th argument as an id; numbers are accepted
func idArg(call messaging.Call, i int) (string, error) {
	if i >= len(call.Args) {
		return "", contracts.BadRequest(fmt.Sprintf("missing argument %d", i))
	}
	var s string
	if err := json.Unmarshal(call.Args[i], &s); err == nil && s != "" {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(call.Args[i], &n); err == nil {
		return n.String(), nil
	}
	return "", contracts.BadRequest(fmt.Sprintf("argument %d must be an id", i))
}
