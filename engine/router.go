// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"log/slog"

	"github.com/absmach/mqttagent/topics"
)

type route struct {
	filter  string
	handler MessageHandler
}

// router delivers inbound messages to the handlers of matching subscriptions.
type router struct {
	routes   []route
	fallback MessageHandler
	logger   *slog.Logger
}

func newRouter(fallback MessageHandler, logger *slog.Logger) *router {
	return &router{
		fallback: fallback,
		logger:   logger,
	}
}

func (r *router) add(filter string, h MessageHandler) {
	for i := range r.routes {
		if r.routes[i].filter == filter {
			r.routes[i].handler = h
			return
		}
	}
	r.routes = append(r.routes, route{filter: filter, handler: h})
}

func (r *router) remove(filter string) {
	for i := range r.routes {
		if r.routes[i].filter == filter {
			r.routes = append(r.routes[:i], r.routes[i+1:]...)
			return
		}
	}
}

// dispatch returns the number of handlers the message was delivered to.
func (r *router) dispatch(msg *Message) int {
	delivered := 0
	fallback := false
	for _, rt := range r.routes {
		if !topics.TopicMatch(rt.filter, msg.Topic) {
			continue
		}
		if rt.handler == nil {
			fallback = true
			continue
		}
		r.call(rt.handler, msg)
		delivered++
	}

	if (delivered == 0 || fallback) && r.fallback != nil {
		r.call(r.fallback, msg)
		delivered++
	}
	return delivered
}

func (r *router) call(h MessageHandler, msg *Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("message handler panic recovered",
				slog.String("topic", msg.Topic),
				slog.Any("panic", rec))
		}
	}()
	h(msg)
}
