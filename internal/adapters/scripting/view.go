// Package scripting hosts plugins written in JavaScript (goja) and Lua
// (gopher-lua).
package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// DefaultTimeout bounds one handler call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when a script handler runs past its deadline.
var ErrTimeout = errors.New("script timed out")

// Options configures a script plugin.
type Options struct {
	Timeout time.Duration
	Logger  ports.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return DefaultTimeout
	}
	return o.Timeout
}

// MessageView is the JSON-shaped message handed to script handlers.
func MessageView(hc *ports.HandlerContext) map[string]interface{} {
	v := map[string]interface{}{
		"text":          hc.Text,
		"chat":          hc.ChatID,
		"sender":        hc.SenderID,
		"isGroup":       hc.IsGroup,
		"isOwner":       hc.IsOwner,
		"isSenderAdmin": hc.IsSenderAdmin,
		"command":       "",
		"args":          []interface{}{},
		"remainder":     "",
		"prefix":        hc.Settings.Prefix,
		"botName":       hc.Settings.Name,
	}
	if hc.Event != nil {
		v["id"] = hc.Event.Key.ID
		v["pushName"] = hc.Event.PushName
		v["fromMe"] = hc.Event.Key.FromMe
	}
	if hc.Command != nil {
		args := make([]interface{}, len(hc.Command.Args))
		for i, a := range hc.Command.Args {
			args[i] = a
		}
		v["command"] = hc.Command.Command
		v["args"] = args
		v["remainder"] = hc.Command.Remainder
	}
	return v
}

// GroupView is the JSON-shaped group update handed to script handlers.
func GroupView(gc *ports.GroupContext) map[string]interface{} {
	participants := make([]interface{}, len(gc.Update.Participants))
	for i, p := range gc.Update.Participants {
		participants[i] = p
	}
	return map[string]interface{}{
		"chat":         gc.Update.ChatID,
		"participants": participants,
		"action":       string(gc.Update.Action),
		"author":       gc.Update.Author,
		"prefix":       gc.Settings.Prefix,
		"botName":      gc.Settings.Name,
	}
}

// InitView is the JSON-shaped settings handed to script init hooks.
func InitView(ic *ports.InitContext) map[string]interface{} {
	return map[string]interface{}{
		"botName": ic.Settings.Name,
		"prefix":  ic.Settings.Prefix,
		"mode":    string(ic.Settings.Mode),
	}
}

// storeGet reads a key and decodes it into plain Go values. A missing key
// yields nil.
func storeGet(ctx context.Context, store ports.Store, collection, key string) (interface{}, error) {
	col, err := openCollection(store, collection)
	if err != nil {
		return nil, err
	}
	raw, ok, err := col.Get(ctx, key)
	if err != nil || !ok {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

func storeSet(ctx context.Context, store ports.Store, collection, key string, value interface{}) error {
	col, err := openCollection(store, collection)
	if err != nil {
		return err
	}
	return col.Set(ctx, key, value)
}

func storeDelete(ctx context.Context, store ports.Store, collection, key string) error {
	col, err := openCollection(store, collection)
	if err != nil {
		return err
	}
	return col.Delete(ctx, key)
}

func openCollection(store ports.Store, name string) (ports.Collection, error) {
	if store == nil {
		return nil, domain.ErrBackendUnavailable
	}
	return store.Collection(name)
}

// stringList accepts a string or a list of strings.
func stringList(v interface{}) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: expected string, got %T", domain.ErrInvalidPlugin, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: expected string or list, got %T", domain.ErrInvalidPlugin, v)
}
