// Package hosts loads execution host profiles: where runs execute, how MPI
// programs are wrapped and how jobs are submitted to a batch queue engine.
package hosts

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownHost is returned when a run names a host that is not configured.
var ErrUnknownHost = errors.New("unknown host")

// LocalHost is the host used when no profile file exists.
const LocalHost = "localhost"

// DefaultMPICommand wraps a command for MPI execution.
const DefaultMPICommand = "mpirun -np {{.JOB_NODES}} --map-by node {{.COMMAND}}"

// QueueSystem describes a batch queue engine. Command and script fields are
// text/template strings rendered against the submission dictionary.
type QueueSystem struct {
	Name           string `yaml:"name" json:"name"`
	Mandatory      bool   `yaml:"mandatory" json:"mandatory"`
	SubmitCommand  string `yaml:"submit_command" json:"submit_command"`
	SubmitTemplate string `yaml:"submit_template" json:"submit_template"`
	CancelCommand  string `yaml:"cancel_command" json:"cancel_command"`
	CheckCommand   string `yaml:"check_command" json:"check_command"`
	// JobDoneRegex matches check command output of a job that left the queue.
	JobDoneRegex string `yaml:"job_done_regex" json:"job_done_regex"`
	SubmitPrefix string `yaml:"submit_prefix" json:"submit_prefix"`
	// Queues maps queue names to their parameter defaults.
	Queues        map[string]map[string]string `yaml:"queues" json:"queues"`
	QueuesDefault map[string]string            `yaml:"queues_default" json:"queues_default"`
}

// Configured reports whether the profile can submit jobs.
func (q *QueueSystem) Configured() bool {
	return q != nil && q.SubmitCommand != "" && q.SubmitTemplate != ""
}

// QueueNames returns the configured queue names, sorted.
func (q *QueueSystem) QueueNames() []string {
	if q == nil {
		return nil
	}
	names := make([]string, 0, len(q.Queues))
	for n := range q.Queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Host is one execution host profile.
type Host struct {
	Label      string `yaml:"label" json:"label"`
	HostName   string `yaml:"hostname" json:"hostname"`
	Address    string `yaml:"address" json:"address"`
	User       string `yaml:"user" json:"user,omitempty"`
	KeyFile    string `yaml:"key_file" json:"-"`
	// KnownHosts overrides ~/.ssh/known_hosts for host key checks.
	KnownHosts string `yaml:"known_hosts" json:"-"`
	MPICommand string `yaml:"mpi_command" json:"mpi_command"`
	// Home is where foundry binaries live on the host.
	Home        string       `yaml:"home" json:"home,omitempty"`
	QueueSystem *QueueSystem `yaml:"queue_system" json:"queue_system,omitempty"`
}

// IsLocal reports whether the host is this machine.
func (h *Host) IsLocal() bool {
	return h.Address == "" || h.Address == LocalHost || h.Address == "127.0.0.1"
}

// Catalog holds the configured hosts keyed by name.
type Catalog struct {
	hosts map[string]*Host
	order []string
}

type fileFormat struct {
	Hosts []*Host `yaml:"hosts"`
}

// Default returns a catalog with only the local host.
func Default() *Catalog {
	c := &Catalog{hosts: make(map[string]*Host)}
	c.add(&Host{Label: LocalHost, HostName: LocalHost})
	return c
}

// Load reads a YAML host profile file. A missing file yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML host profile document.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file: %w", err)
	}

	c := &Catalog{hosts: make(map[string]*Host)}
	for i, h := range f.Hosts {
		if h.HostName == "" {
			h.HostName = h.Label
		}
		if h.HostName == "" {
			return nil, fmt.Errorf("host %d: hostname is required", i)
		}
		if _, dup := c.hosts[h.HostName]; dup {
			return nil, fmt.Errorf("host %q defined twice", h.HostName)
		}
		if q := h.QueueSystem; q != nil && q.Mandatory && !q.Configured() {
			return nil, fmt.Errorf("host %q: mandatory queue needs submit_command and submit_template", h.HostName)
		}
		c.add(h)
	}
	if _, ok := c.hosts[LocalHost]; !ok {
		c.add(&Host{Label: LocalHost, HostName: LocalHost})
	}
	return c, nil
}

func (c *Catalog) add(h *Host) {
	if h.Label == "" {
		h.Label = h.HostName
	}
	if h.Address == "" {
		h.Address = LocalHost
	}
	if h.MPICommand == "" {
		h.MPICommand = DefaultMPICommand
	}
	c.hosts[h.HostName] = h
	c.order = append(c.order, h.HostName)
}

// Get returns the named host. An empty name means the local host.
func (c *Catalog) Get(name string) (*Host, error) {
	if name == "" {
		name = LocalHost
	}
	h, ok := c.hosts[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownHost)
	}
	return h, nil
}

// List returns the hosts in file order.
func (c *Catalog) List() []*Host {
	out := make([]*Host, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.hosts[n])
	}
	return out
}
