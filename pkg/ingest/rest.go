package ingest

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/journeyoor/pkg/config"
	"github.com/ethpandaops/journeyoor/pkg/store"
)

// RESTPath is the prefix of the PostgREST-style resource routes.
const RESTPath = "/rest/v1"

// Compile-time interface check.
var _ Sink = (*restSink)(nil)

type restSink struct {
	log    logrus.FieldLogger
	client *resty.Client
}

// NewRESTSink creates a sink that talks to a PostgREST-style endpoint. The
// API key is sent both as the apikey header and as the bearer token.
func NewRESTSink(log logrus.FieldLogger, cfg *config.StoreConfig) Sink {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")+RESTPath).
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", cfg.APIKey).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("Prefer", "return=representation")

	return &restSink{
		log:    log.WithField("component", "rest-sink"),
		client: client,
	}
}

func (s *restSink) CreateRun(ctx context.Context, run *store.Run) (*store.Run, error) {
	var out []store.Run
	if err := s.do(ctx, resty.MethodPost, store.ResourceRuns, nil, run, &out); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("creating run: empty response")
	}

	return &out[0], nil
}

func (s *restSink) PatchRun(ctx context.Context, id string, fields map[string]any) error {
	return s.do(ctx, resty.MethodPatch, store.ResourceRuns, byID(id), fields, nil)
}

func (s *restSink) CreateJourney(
	ctx context.Context, journey *store.Journey,
) (*store.Journey, error) {
	var out []store.Journey
	if err := s.do(ctx, resty.MethodPost, store.ResourceJourneys, nil, journey, &out); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("creating journey: empty response")
	}

	return &out[0], nil
}

func (s *restSink) InsertSteps(ctx context.Context, steps []*store.Step) error {
	if len(steps) == 0 {
		return nil
	}

	var out []store.Step
	if err := s.do(ctx, resty.MethodPost, store.ResourceSteps, nil, steps, &out); err != nil {
		return err
	}

	if len(out) != len(steps) {
		return fmt.Errorf("inserting steps: sent %d, stored %d", len(steps), len(out))
	}

	return nil
}

func (s *restSink) CreateRawLog(ctx context.Context, raw *store.RawLog) (*store.RawLog, error) {
	var out []store.RawLog
	if err := s.do(ctx, resty.MethodPost, store.ResourceRawLogs, nil, raw, &out); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("creating raw log: empty response")
	}

	return &out[0], nil
}

func (s *restSink) UpdateRawLog(ctx context.Context, id string, fields map[string]any) error {
	return s.do(ctx, resty.MethodPatch, store.ResourceRawLogs, byID(id), fields, nil)
}

func (s *restSink) ListRawLogs(ctx context.Context, q store.Query) ([]store.RawLog, error) {
	var out []store.RawLog
	if err := s.do(ctx, resty.MethodGet, store.ResourceRawLogs, q.Values(), nil, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *restSink) do(
	ctx context.Context,
	method string,
	resource store.Resource,
	params url.Values,
	body, result any,
) error {
	req := s.client.R().SetContext(ctx)

	if params != nil {
		req.SetQueryParamsFromValues(params)
	}

	if body != nil {
		req.SetBody(body)
	}

	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, "/"+string(resource))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, resource, err)
	}

	if resp.IsError() {
		return fmt.Errorf("%s %s: status %d: %s",
			method, resource, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	s.log.WithFields(logrus.Fields{
		"method":   method,
		"resource": resource,
		"status":   resp.StatusCode(),
		"duration": resp.Time().String(),
	}).Debug("Store call completed")

	return nil
}

func byID(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}
