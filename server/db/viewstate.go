package db

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/luno/flowmap/api"
)

// View state is advisory; let it expire rather than accrete forever.
const ViewStateTTL = 30 * 24 * time.Hour

func viewStateKey(namespace string) string {
	return "flowmap.view." + namespace
}

func SaveViewState(ctx context.Context, conn redis.Conn, namespace string, st api.ToolbarState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return errors.Wrap(err, "marshal view state")
	}
	_, err = redis.DoContext(conn, ctx,
		"SET", viewStateKey(namespace), b,
		"EX", int64(ViewStateTTL/time.Second),
	)
	return errors.Wrap(err, "")
}

func LoadViewState(ctx context.Context, conn redis.Conn, namespace string) (api.ToolbarState, bool, error) {
	b, err := redis.Bytes(redis.DoContext(conn, ctx, "GET", viewStateKey(namespace)))
	if errors.Is(err, redis.ErrNil) {
		return api.ToolbarState{}, false, nil
	} else if err != nil {
		return api.ToolbarState{}, false, errors.Wrap(err, "")
	}
	var st api.ToolbarState
	err = json.Unmarshal(b, &st)
	if err != nil {
		return api.ToolbarState{}, false, errors.Wrap(err, "invalid view state", j.KV("namespace", namespace))
	}
	return st, true, nil
}
