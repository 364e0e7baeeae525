// Package adapters wires the concrete Source/Filter/Executor/Sink/trigger
// implementations into the engine.Registry and scheduler.TriggerRegistry
// interfaces the dispatcher and scheduler depend on.
package adapters

import (
	"fmt"

	"github.com/kandev/kandev/internal/agent/docker"
	"github.com/kandev/kandev/internal/common/config"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/adapters/executor"
	"github.com/kandev/kandev/internal/flow/adapters/filter"
	"github.com/kandev/kandev/internal/flow/adapters/sink"
	"github.com/kandev/kandev/internal/flow/adapters/source"
	"github.com/kandev/kandev/internal/flow/adapters/trigger"
	"github.com/kandev/kandev/internal/flow/engine"
	"github.com/kandev/kandev/internal/flow/pool"
	"github.com/kandev/kandev/internal/flow/scheduler"
	"github.com/kandev/kandev/internal/flow/vmrelay"
	"github.com/kandev/kandev/internal/github"
	"github.com/kandev/kandev/internal/secrets"
)

// Registry is the composite engine.Registry + scheduler.TriggerRegistry
// used by cmd/flowd: one instance per process, built once at startup from
// the same pool, VM manager, docker client, and secret store the rest of
// the server uses.
type Registry struct {
	sources   map[string]engine.SourceAdapter
	filters   map[string]engine.FilterAdapter
	executors map[string]engine.ExecutorAdapter
	sinks     map[string]engine.SinkAdapter

	githubToken string
	logger      *logger.Logger
	market      *source.Market
}

// Deps collects the shared components a Registry wires its adapters from.
// Any of VMManager or DockerClient may be nil when that executor kind is
// not needed in a given deployment (e.g. a flowd with no docker daemon
// available only ever dispatches to claude-code/vm-sandbox nodes).
type Deps struct {
	Pool          *pool.Pool
	VMManager     executor.VMManager
	DockerClient  *docker.Client
	Secrets       secrets.SecretStore
	GithubToken   string
	WorkspaceRoot func(agentID string) string
	ShellRCPath     string
	CredentialsPath string
	Logger          *logger.Logger
}

// New builds a Registry from the given Deps, keying every adapter by the
// node/trigger `kind` string it serves (spec §3's node-kind table).
func New(deps Deps) *Registry {
	r := &Registry{
		sources:     map[string]engine.SourceAdapter{},
		filters:     map[string]engine.FilterAdapter{},
		executors:   map[string]engine.ExecutorAdapter{},
		sinks:       map[string]engine.SinkAdapter{},
		githubToken: deps.GithubToken,
		logger:      deps.Logger,
		market:      source.NewMarket(),
	}

	r.sources["rss"] = source.New()
	r.sources["market-data"] = r.market

	r.filters["keyword"] = filter.New()

	r.sinks["dry"] = sink.NewDry()
	r.sinks["slack"] = sink.NewSlack()

	if deps.Pool != nil {
		r.executors["claude-code"] = executor.NewClaudeCode(deps.Pool)
	}
	if deps.VMManager != nil {
		var creds executor.CredentialSource
		if deps.Secrets != nil {
			creds = executor.NewSecretCredentials(deps.Secrets)
		}
		r.executors["vm-sandbox"] = executor.NewVMSandbox(
			deps.VMManager, creds, deps.ShellRCPath, deps.CredentialsPath, deps.Logger,
		)
	}
	if deps.DockerClient != nil {
		r.executors["local-sandbox"] = executor.NewLocalSandbox(deps.DockerClient)
	}
	r.executors["local-agent"] = executor.NewLocalAgent()

	return r
}

// NewAgentResolverPool builds the agent subprocess pool a Registry's
// claude-code executor dispatches through, wiring the flow-specific
// AgentResolver into pool.New the same way cmd/kandev wires the
// interactive agent registry.
func NewAgentResolverPool(workspaceRoot func(agentID string) string, log *logger.Logger) *pool.Pool {
	return pool.New(executor.NewAgentResolver(workspaceRoot), log)
}

// NewVMManager constructs the vmrelay.Manager a Registry's vm-sandbox
// executor provisions VMs through.
func NewVMManager(cfg config.VMRelayConfig, store vmrelay.MappingStore, log *logger.Logger) (*vmrelay.Manager, error) {
	return vmrelay.New(cfg, store, log)
}

// Market returns the shared market-data fetcher, for wiring into
// engine.New's MarketDataFetcher argument.
func (r *Registry) Market() *source.Market {
	return r.market
}

// Source implements engine.Registry.
func (r *Registry) Source(kind string) (engine.SourceAdapter, bool) {
	a, ok := r.sources[kind]
	return a, ok
}

// Filter implements engine.Registry.
func (r *Registry) Filter(kind string) (engine.FilterAdapter, bool) {
	a, ok := r.filters[kind]
	return a, ok
}

// Executor implements engine.Registry.
func (r *Registry) Executor(kind string) (engine.ExecutorAdapter, bool) {
	a, ok := r.executors[kind]
	return a, ok
}

// Sink implements engine.Registry.
func (r *Registry) Sink(kind string) (engine.SinkAdapter, bool) {
	a, ok := r.sinks[kind]
	return a, ok
}

// PollSource implements scheduler.TriggerRegistry. Only "github" is wired
// today; other change-detection trigger kinds plug in here the same way.
func (r *Registry) PollSource(kind string, nodeConfig map[string]any) (scheduler.PollSource, error) {
	switch kind {
	case "github":
		if r.githubToken == "" {
			return nil, fmt.Errorf("registry: github trigger requires a github token")
		}
		client := github.NewPATClient(r.githubToken)
		return trigger.NewGitHub(client, nodeConfig), nil
	default:
		return nil, fmt.Errorf("registry: unsupported trigger kind %q", kind)
	}
}
