package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/drblury/callflow"
)

type whoamiResponse struct {
	UID      string `json:"uid"`
	AppID    string `json:"appId,omitempty"`
	Verified bool   `json:"verified"`
}

type publishRequest struct {
	Type    string `json:"type"`
	Subject string `json:"subject,omitempty"`
	Data    any    `json:"data"`
}

type publishResponse struct {
	Type string `json:"type"`
}

// registerFunctions mounts the functions callflowd serves. publish is only
// registered when a broker is configured.
func registerFunctions(svc *callflow.Service, cfg daemonConfig, withPublisher bool) error {
	if err := callflow.RegisterCallable(svc, callflow.CallableRegistration[any, any]{
		Name:    "echo",
		Handler: echo,
	}); err != nil {
		return err
	}

	if err := callflow.RegisterCallable(svc, callflow.CallableRegistration[any, whoamiResponse]{
		Name:    "whoami",
		Handler: whoami,
	}); err != nil {
		return err
	}

	if err := callflow.RegisterHTTPFunction(svc, callflow.HTTPFunctionRegistration{
		Name:    "healthz",
		Handler: healthz,
	}); err != nil {
		return err
	}

	if withPublisher {
		if err := callflow.RegisterCallable(svc, callflow.CallableRegistration[publishRequest, publishResponse]{
			Name:    "publish",
			Handler: publish(svc, cfg.EventSource),
		}); err != nil {
			return err
		}
	}

	for _, topic := range cfg.Topics {
		if err := svc.ConsumeEvents(topic, logEvent); err != nil {
			return fmt.Errorf("consume %s: %w", topic, err)
		}
	}
	return nil
}

// echo returns the request data. Streaming clients get it as a chunk first.
func echo(ctx context.Context, req *callflow.CallableRequest[any]) (any, error) {
	req.SendChunk(req.Data)
	return req.Data, nil
}

func whoami(ctx context.Context, req *callflow.CallableRequest[any]) (whoamiResponse, error) {
	if req.Auth == nil {
		return whoamiResponse{}, callflow.NewError(callflow.Unauthenticated, "Sign in to call whoami")
	}
	resp := whoamiResponse{UID: req.Auth.UID, Verified: true}
	if req.AppCheck != nil {
		resp.AppID = req.AppCheck.AppID
	}
	return resp, nil
}

func publish(svc *callflow.Service, source string) callflow.CallableHandler[publishRequest, publishResponse] {
	return func(ctx context.Context, req *callflow.CallableRequest[publishRequest]) (publishResponse, error) {
		if req.Data.Type == "" {
			return publishResponse{}, callflow.NewError(callflow.InvalidArgument, "type is required")
		}
		var opts []callflow.PublishOption
		if req.Data.Subject != "" {
			opts = append(opts, callflow.WithSubject(req.Data.Subject))
		}
		if req.Auth != nil {
			opts = append(opts, callflow.WithExtension("authid", req.Auth.UID))
		}
		if err := svc.PublishData(ctx, req.Data.Type, source, req.Data.Data, opts...); err != nil {
			req.Logger.Error("Publish failed", err, callflow.LogFields{"event_type": req.Data.Type})
			return publishResponse{}, callflow.NewError(callflow.Unavailable, "Event could not be published")
		}
		return publishResponse{Type: req.Data.Type}, nil
	}
}

func healthz(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("ok"))
	return err
}

func logEvent(ctx context.Context, evt callflow.Event) error {
	callflow.LoggerFromContext(ctx).Info("Received event", callflow.LogFields{
		"event_id":     evt.ID,
		"event_type":   evt.Type,
		"event_source": evt.Source,
		"subject":      evt.SubjectOrEmpty(),
	})
	return nil
}
