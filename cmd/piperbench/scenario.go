package main

import (
	"fmt"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/TheSmallBoat/piper/piperlib"
)

// Scenario describes the request mix a run cycles through. Targets are
// picked by weight, so a weight-3 target is sent three times as often
// as a weight-1 target.
type Scenario struct {
	Targets []Target `yaml:"targets"`

	totalWeight int
}

// Target is one request shape in the mix.
type Target struct {
	Name    string            `yaml:"name"`
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
	Weight  int               `yaml:"weight"`
}

func loadScenarioOrDefault(path, method, reqPath string) (*Scenario, error) {
	if path == "" {
		sc := &Scenario{Targets: []Target{{Method: method, Path: reqPath}}}
		return sc, sc.normalize()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(sc.Targets) == 0 {
		return nil, fmt.Errorf("scenario %s has no targets", path)
	}
	return &sc, sc.normalize()
}

func (s *Scenario) normalize() error {
	for i := range s.Targets {
		t := &s.Targets[i]
		if t.Method == "" {
			t.Method = "GET"
		}
		if t.Path == "" {
			t.Path = "/"
		}
		if t.Name == "" {
			t.Name = t.Method + " " + t.Path
		}
		if t.Weight < 0 {
			return fmt.Errorf("target %s has negative weight", t.Name)
		}
		if t.Weight == 0 {
			t.Weight = 1
		}
		s.totalWeight += t.Weight
	}
	return nil
}

// pick selects a target by weighted random choice.
func (s *Scenario) pick() *Target {
	if len(s.Targets) == 1 {
		return &s.Targets[0]
	}
	n := rand.Intn(s.totalWeight)
	cumulative := 0
	for i := range s.Targets {
		cumulative += s.Targets[i].Weight
		if n < cumulative {
			return &s.Targets[i]
		}
	}
	return &s.Targets[len(s.Targets)-1]
}

// request builds a fresh submission for the target. Requests carry
// per-submission state, so they are never shared between sends.
func (t *Target) request() *piperlib.Request {
	var body []byte
	if t.Body != "" {
		body = []byte(t.Body)
	}
	req := piperlib.NewRequest(t.Method, t.Path, body)
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	return req
}
