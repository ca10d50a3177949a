package server

import (
	"log/slog"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/middleware"
)

// compileRoutes builds a middleware.RouteHandlers for every route in
// routes, returning them in the same order (for router.New) along with
// every background task collected across all routes.
func compileRoutes(routes []config.Route, global config.Global, log *slog.Logger) ([]*middleware.RouteHandlers, []healthTask, error) {
	handlers := make([]*middleware.RouteHandlers, 0, len(routes))
	var tasks []healthTask
	for _, route := range routes {
		handler, routeTasks, err := buildHandler(route, global, log)
		if err != nil {
			return nil, nil, err
		}
		rh, err := middleware.BuildRouteHandlers(route, global, handler)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, rh)
		tasks = append(tasks, routeTasks...)
	}
	return handlers, tasks, nil
}
