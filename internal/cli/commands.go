package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/seantiz/foundry/internal/api"
	"github.com/seantiz/foundry/internal/graph"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/project"
)

// subFlags returns a flag set for subcommand name writing to a's stderr.
func (a *App) subFlags(name, usage string) *flag.FlagSet {
	fs := flag.NewFlagSet("foundry "+name, flag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.Stderr, "Usage:\n  foundry %s %s\n\nOptions:\n", name, usage)
		fs.PrintDefaults()
	}
	return fs
}

// parseSub parses a subcommand's flags. Flags may follow positional
// arguments, which are returned in order.
func parseSub(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			if errors.Is(err, flag.ErrHelp) {
				return nil, err
			}
			return nil, &ExitError{Code: 2, Message: err.Error()}
		}
		if fs.NArg() == 0 {
			return positional, nil
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
}

func (a *App) open(env *cmdEnv) (*project.Project, error) {
	return project.Open(env.projectPath, a.Config, a.Registry, env.logger)
}

func runServe(_ context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("serve", "[-addr ADDR]")
	addr := fs.String("addr", a.Config.ListenAddr, "Address the API listens on.")
	if _, err := parseSub(fs, args); err != nil {
		return helpOK(err)
	}

	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	env.logger.Info("foundry: starting", "listen_addr", *addr, "project", env.projectPath)
	return api.NewServer(*addr, pr, env.logger).Run()
}

func runNew(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("new", "<class> [options]")
	var (
		gpus        intList
		prereqs     idList
		inputs      = inputFlags{}
		queueParams = pairs{}
	)
	label := fs.String("label", "", "Human readable label. Defaults to the class name.")
	params := fs.String("params", "", "Protocol parameters as JSON, or @file to read them from a file.")
	threads := fs.Int("threads", 1, "Threads available to the protocol.")
	mpi := fs.Int("mpi", 1, "MPI processes per job.")
	stepsMode := fs.String("steps-mode", string(model.StepsSerial), "Step execution: 'serial' or 'parallel'.")
	runMode := fs.String("run-mode", string(model.RunModeResume), "Run mode: 'resume' or 'restart'.")
	useQueue := fs.Bool("queue", false, "Submit the protocol to the host's queue system.")
	queueName := fs.String("queue-name", "", "Queue to submit to.")
	host := fs.String("host", "", "Host profile to run on. Defaults to localhost.")
	fs.Var(&gpus, "gpus", "Comma separated GPU ids.")
	fs.Var(&prereqs, "wait-for", "Comma separated ids of protocols that must stop first.")
	fs.Var(inputs, "input", "Input as name=ID, name=ID:output or name=#objectID. Repeatable.")
	fs.Var(queueParams, "queue-param", "Queue parameter as KEY=VALUE. Repeatable.")

	positional, err := parseSub(fs, args)
	if err != nil {
		return helpOK(err)
	}
	if len(positional) != 1 {
		fs.Usage()
		return usageError("new: expected exactly one protocol class")
	}

	opts := project.ProtocolOptions{
		Label:         *label,
		RunMode:       model.RunMode(*runMode),
		StepsMode:     model.StepsMode(*stepsMode),
		Threads:       *threads,
		MPI:           *mpi,
		GPUs:          gpus,
		UseQueue:      *useQueue,
		QueueName:     *queueName,
		Host:          *host,
		Prerequisites: prereqs,
	}
	switch opts.RunMode {
	case model.RunModeResume, model.RunModeRestart:
	default:
		return usageError("invalid run-mode %q", *runMode)
	}
	switch opts.StepsMode {
	case model.StepsSerial, model.StepsParallel:
	default:
		return usageError("invalid steps-mode %q", *stepsMode)
	}
	if len(inputs) > 0 {
		opts.Inputs = inputs
	}
	if len(queueParams) > 0 {
		opts.QueueParams = queueParams
	}
	if *params != "" {
		raw, err := readParams(*params)
		if err != nil {
			return err
		}
		opts.Params = raw
	}

	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	p, err := pr.NewProtocol(ctx, positional[0], opts)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Stdout, p.ID)
	return nil
}

func readParams(v string) (json.RawMessage, error) {
	data := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, usageError("params are not valid JSON")
	}
	return json.RawMessage(data), nil
}

func runList(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("list", "[-refresh]")
	refresh := fs.Bool("refresh", false, "Reconcile active protocols first.")
	if _, err := parseSub(fs, args); err != nil {
		return helpOK(err)
	}

	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	if *refresh {
		if err := pr.RefreshAll(ctx); err != nil {
			return err
		}
	}
	runs, err := pr.List(ctx)
	if err != nil {
		return err
	}
	writeProtocols(a.Stdout, runs)
	return nil
}

func writeProtocols(w io.Writer, runs []*model.Protocol) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLABEL\tCLASS\tSTATUS\tSTEPS\tHOST\tELAPSED")
	for _, p := range runs {
		host := p.Host
		if host == "" {
			host = model.LocalHost
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			p.ID, p.Label, p.Class, p.Status, p.StepsDone, p.NumberOfSteps, host,
			p.Elapsed().Truncate(time.Second))
	}
	tw.Flush()
}

func runShow(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("show", args)
	if err != nil {
		return err
	}
	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	p, err := pr.Update(ctx, id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func runSteps(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("steps", args)
	if err != nil {
		return err
	}
	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	steps, err := pr.Steps(ctx, id)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFUNCTION\tSTATUS\tPREREQUISITES\tERROR")
	for _, s := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%v\t%s\n", s.Index, s.FuncName, s.Status, s.Prerequisites, s.Error)
	}
	return tw.Flush()
}

func runLaunch(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("launch", "<protocol-id> [-force]")
	force := fs.Bool("force", false, "Launch even when inputs are not ready.")
	positional, err := parseSub(fs, args)
	if err != nil {
		return helpOK(err)
	}
	id, err := protocolArg("launch", positional)
	if err != nil {
		return err
	}
	return a.lifecycle(env, func(ctx context.Context, pr *project.Project) (*model.Protocol, error) {
		return pr.Launch(ctx, id, project.LaunchOptions{Force: *force})
	})(ctx)
}

func runSchedule(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("schedule", "<protocol-id> [options]")
	var waitFor idList
	initial := fs.Duration("initial-sleep", 0, "Wait before the first readiness check.")
	sleep := fs.Duration("sleep-time", a.Config.SleepTime, "Base interval between readiness checks.")
	fs.Var(&waitFor, "wait-for", "Comma separated ids of protocols to wait for.")
	positional, err := parseSub(fs, args)
	if err != nil {
		return helpOK(err)
	}
	id, err := protocolArg("schedule", positional)
	if err != nil {
		return err
	}
	return a.lifecycle(env, func(ctx context.Context, pr *project.Project) (*model.Protocol, error) {
		return pr.Schedule(ctx, id, project.ScheduleOptions{
			InitialSleep: *initial,
			SleepTime:    *sleep,
			WaitFor:      waitFor,
		})
	})(ctx)
}

func runScheduleAll(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("schedule-all", "[protocol-id ...]")
	positional, err := parseSub(fs, args)
	if err != nil {
		return helpOK(err)
	}
	ids, err := parseIDs(positional)
	if err != nil {
		return usageError("schedule-all: %v", err)
	}

	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()
	return pr.ScheduleAll(ctx, ids)
}

func runStop(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("stop", args)
	if err != nil {
		return err
	}
	return a.lifecycle(env, func(ctx context.Context, pr *project.Project) (*model.Protocol, error) {
		return pr.Stop(ctx, id)
	})(ctx)
}

func runReset(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("reset", args)
	if err != nil {
		return err
	}
	return a.lifecycle(env, func(ctx context.Context, pr *project.Project) (*model.Protocol, error) {
		return pr.Reset(ctx, id)
	})(ctx)
}

func runDelete(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("delete", args)
	if err != nil {
		return err
	}
	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()
	p, err := pr.Delete(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Stdout, "%d\tdeleted\n", p.ID)
	return nil
}

func runContinue(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	id, err := protocolArg("continue", args)
	if err != nil {
		return err
	}
	return a.lifecycle(env, func(ctx context.Context, pr *project.Project) (*model.Protocol, error) {
		return pr.Continue(ctx, id)
	})(ctx)
}

// lifecycle opens the project, applies op and prints the resulting status.
func (a *App) lifecycle(env *cmdEnv, op func(context.Context, *project.Project) (*model.Protocol, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		pr, err := a.open(env)
		if err != nil {
			return err
		}
		defer pr.Close()

		p, err := op(ctx, pr)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Stdout, "%d\t%s\n", p.ID, p.Status)
		return nil
	}
}

func runGraph(ctx context.Context, a *App, env *cmdEnv, args []string) error {
	fs := a.subFlags("graph", "[-refresh]")
	refresh := fs.Bool("refresh", false, "Reconcile active protocols first.")
	if _, err := parseSub(fs, args); err != nil {
		return helpOK(err)
	}

	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	g, err := pr.RunsGraph(ctx, *refresh)
	if err != nil {
		return err
	}
	writeTree(a.Stdout, g, 0, 0)
	return nil
}

// writeTree prints the subtree of node index i. Nodes with several parents
// appear under each of them.
func writeTree(w io.Writer, g *graph.Graph, i, depth int) {
	n := g.Nodes[i]
	if i == 0 {
		fmt.Fprintln(w, n.Label)
	} else {
		fmt.Fprintf(w, "%s%s %s\n", strings.Repeat("  ", depth), n.Label, n.Status)
	}
	for _, c := range n.Children {
		writeTree(w, g, c, depth+1)
	}
}

func runHosts(_ context.Context, a *App, env *cmdEnv, args []string) error {
	if len(args) != 0 {
		return usageError("usage: foundry hosts")
	}
	pr, err := a.open(env)
	if err != nil {
		return err
	}
	defer pr.Close()

	tw := tabwriter.NewWriter(a.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tQUEUES")
	for _, h := range pr.Hosts().List() {
		addr := h.Address
		if h.IsLocal() {
			addr = "local"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", h.HostName, addr, strings.Join(h.QueueSystem.QueueNames(), ","))
	}
	return tw.Flush()
}

// helpOK turns a -h request into a clean exit.
func helpOK(err error) error {
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}
