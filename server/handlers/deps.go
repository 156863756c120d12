package handlers

import "github.com/luno/flowmap/server/ops"

type Deps interface {
	Session() *ops.Session
}
