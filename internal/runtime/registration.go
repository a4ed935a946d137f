package runtime

import (
	"net/http"
	"regexp"

	errspkg "github.com/drblury/callflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/callflow/internal/runtime/logging"
)

var functionName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type functionRegistration struct {
	Name      string
	Kind      FunctionKind
	EventType string
	// build receives the function's stats and returns its HTTP handler.
	build func(info *HandlerInfo) http.Handler
}

// registerFunction validates the name, records the function and mounts it at
// "/<name>", and also at "/" when it is the configured target.
func (s *Service) registerFunction(reg functionRegistration) (*HandlerInfo, error) {
	if reg.Name == "" {
		return nil, errspkg.ErrHandlerNameRequired
	}
	if !functionName.MatchString(reg.Name) {
		return nil, errspkg.ErrInvalidHandlerName
	}
	if s.started.Load() {
		return nil, errspkg.ErrServiceStarted
	}

	path := "/" + reg.Name

	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if s.reservedPath(path) {
		return nil, errspkg.ErrDuplicateHandler
	}
	for _, existing := range s.handlers {
		if existing.Name == reg.Name {
			return nil, errspkg.ErrDuplicateHandler
		}
	}

	info := &HandlerInfo{
		Name:      reg.Name,
		Kind:      reg.Kind,
		Path:      path,
		EventType: reg.EventType,
		Stats:     newHandlerStats(),
	}
	s.handlers = append(s.handlers, info)

	h := reg.build(info)
	s.mount(path, h)
	if s.Conf.Target == reg.Name {
		s.mount("/", h)
	}

	s.Logger.Debug("Registered function", loggingpkg.LogFields{
		"function": reg.Name,
		"kind":     string(reg.Kind),
		"path":     path,
	})
	return info, nil
}

func (s *Service) reservedPath(path string) bool {
	return s.Conf.MetricsEnabled && path == s.Conf.MetricsPath
}

func (s *Service) lookupFunction(name string) *HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	for _, info := range s.handlers {
		if info.Name == name {
			return info
		}
	}
	return nil
}
