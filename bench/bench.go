// Package bench defines the contract between the execution engine and the
// named resources tests run against. Concrete benches (hardware rigs, web
// targets, database fixtures) live outside this repository; the engine
// only drives the lifecycle hooks and records usage snapshots.
package bench

import (
	"fmt"
	"time"
)

// State is the observed availability of an exclusive bench.
type State string

const (
	StateOffline  State = "offline"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateReserved State = "reserved"
)

// Record is the usage snapshot appended to a result store when a runner
// finishes.
type Record struct {
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	Group     string     `json:"group,omitempty"`
	Node      string     `json:"node,omitempty"`
	State     State      `json:"state,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	Extras    map[string]any `json:"extras,omitempty"`
}

// Bench is the resource a runner executes against. Hook errors are
// tolerated per the event-bus failure policy; a hook must never be
// assumed to succeed.
type Bench interface {
	Name() string
	Type() string
	Exclusive() bool
	AsRecord() *Record

	// Runner/case lifecycle hooks, dispatched through the event bus.
	OnRunnerStarted(runnerID string) error
	OnRunnerStopped(runnerID string) error
	OnCaseStarted(caseID string) error
	OnCaseStopped(caseID string) error

	// Fleet-worker hooks bracketing one broker message's execution.
	OnExecTestBegin(testID string, config map[string]any) error
	OnExecTestEnd(testID string, config map[string]any) error
}

// Config declares a bench in the agent configuration file.
type Config struct {
	Name      string   `yaml:"name" json:"name"`
	Type      string   `yaml:"type" json:"type"`
	Group     string   `yaml:"group,omitempty" json:"group,omitempty"`
	Node      string   `yaml:"node,omitempty" json:"node,omitempty"`
	Exclusive bool     `yaml:"exclusive,omitempty" json:"exclusive,omitempty"`
	Workers   int      `yaml:"workers,omitempty" json:"workers,omitempty"`
	Routes    []string `yaml:"routes,omitempty" json:"routes,omitempty"`

	// Consumer tuning.
	PrefetchCount    int  `yaml:"prefetch_count,omitempty" json:"prefetch_count,omitempty"`
	PriorityStrategy bool `yaml:"priority_strategy,omitempty" json:"priority_strategy,omitempty"`
	ConsumerTimeout  int  `yaml:"consumer_timeout,omitempty" json:"consumer_timeout,omitempty"`
}

// QueueNames returns the broker queue names for this bench, one per
// routing dimension, in declared priority order. The bench's own queue
// comes first.
func (c *Config) QueueNames() []string {
	names := []string{fmt.Sprintf("bench.%s", c.Name)}
	for _, route := range c.Routes {
		names = append(names, fmt.Sprintf("bench.%s.%s", c.Name, route))
	}
	return names
}

// DeadLetterRoutingKey is the routing key rejected messages carry into the
// dead-letter queue.
func (c *Config) DeadLetterRoutingKey() string {
	return fmt.Sprintf("bench.%s.dlx", c.Name)
}

// Sim is a minimal in-memory bench used by tests and by runs that target
// no real resource. It records hook invocations.
type Sim struct {
	BenchName  string
	BenchType  string
	IsExcl     bool
	HookErr    error // returned from every hook when set
	Started    []string
	Stopped    []string
	ExecBegins []string
	ExecEnds   []string
	startedAt  time.Time
}

// NewSim returns a Sim bench with the given identity.
func NewSim(name, typ string) *Sim {
	return &Sim{BenchName: name, BenchType: typ, startedAt: time.Now().UTC()}
}

func (s *Sim) Name() string    { return s.BenchName }
func (s *Sim) Type() string    { return s.BenchType }
func (s *Sim) Exclusive() bool { return s.IsExcl }

func (s *Sim) AsRecord() *Record {
	started := s.startedAt
	stopped := time.Now().UTC()
	return &Record{
		Name:      s.BenchName,
		Type:      s.BenchType,
		StartedAt: &started,
		StoppedAt: &stopped,
	}
}

func (s *Sim) OnRunnerStarted(runnerID string) error { return s.HookErr }
func (s *Sim) OnRunnerStopped(runnerID string) error { return s.HookErr }

func (s *Sim) OnCaseStarted(caseID string) error {
	s.Started = append(s.Started, caseID)
	return s.HookErr
}

func (s *Sim) OnCaseStopped(caseID string) error {
	s.Stopped = append(s.Stopped, caseID)
	return s.HookErr
}

func (s *Sim) OnExecTestBegin(testID string, config map[string]any) error {
	s.ExecBegins = append(s.ExecBegins, testID)
	return s.HookErr
}

func (s *Sim) OnExecTestEnd(testID string, config map[string]any) error {
	s.ExecEnds = append(s.ExecEnds, testID)
	return s.HookErr
}
