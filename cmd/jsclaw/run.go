package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jsclaw/jsclaw/pkg/config"
	"github.com/jsclaw/jsclaw/pkg/container"
	"github.com/jsclaw/jsclaw/pkg/events"
	"github.com/jsclaw/jsclaw/pkg/ipc"
	"github.com/jsclaw/jsclaw/pkg/log"
	"github.com/jsclaw/jsclaw/pkg/metrics"
	"github.com/jsclaw/jsclaw/pkg/orchestrator"
	"github.com/jsclaw/jsclaw/pkg/queue"
	"github.com/jsclaw/jsclaw/pkg/types"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator daemon",
	Long: `Starts the group queue, the container runner, and the IPC
watcher, then blocks until SIGINT or SIGTERM triggers a graceful
shutdown.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int("shutdown-grace-ms", 10_000, "Grace period before force-killing live containers on shutdown")
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics on")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	graceMs, _ := cmd.Flags().GetInt("shutdown-grace-ms")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	bus := events.NewBroker()
	bus.Start()
	defer bus.Stop()

	registeredGroups := map[string]types.RegisteredGroup{
		"main": {JID: "main@jid", Name: "main", Folder: "main", IsMain: true, RequiresTrigger: false},
	}
	for k := range registeredGroups {
		g := registeredGroups[k]
		g.SetIsMain(g.IsMain)
		registeredGroups[k] = g
	}

	// facade is assigned below, after the scheduler that needs to close
	// over it is constructed; every real invocation of ProcessMessages
	// happens well after that assignment, since it only runs inside a
	// queued work item.
	var facade *orchestrator.Facade

	scheduler := queue.NewScheduler(queue.Config{
		MaxConcurrentContainers: cfg.MaxConcurrent,
		DataDir:                 cfg.DataDir,
		ProcessMessages: func(jid string) (bool, error) {
			return processGroupMessages(context.Background(), facade, registeredGroups, jid)
		},
	}, bus)

	collector := metrics.NewCollector(scheduler)
	collector.Start()
	defer collector.Stop()

	runner := container.NewRunner(container.RunConfig{
		Runtime:          cfg.ContainerRuntime,
		Image:            cfg.ContainerImage,
		GroupsDir:        cfg.GroupsDir,
		DataDir:          cfg.DataDir,
		ContainerTimeout: cfg.ContainerTimeout,
		MaxOutputSize:    cfg.MaxOutputSize,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
	}, bus)

	facade = orchestrator.New(runner, scheduler, cfg.MountAllowlist)

	watcher := ipc.NewWatcher(ipc.WatcherConfig{
		DataDir:      cfg.DataDir,
		PollInterval: cfg.IPCPollInterval,
	}, ipc.Collaborators{
		// Neither a concrete chat backend nor a task-directive sink is
		// part of this orchestrator; both are external collaborators a
		// deployment wires in. Log and acknowledge so drained mailbox
		// entries aren't silently dropped during local runs.
		SendMessage: func(ctx context.Context, jid, text, sender string) error {
			log.Logger.Info().Str("jid", jid).Str("sender", sender).Msg("outbound message drained (no chat backend configured)")
			return nil
		},
		OnTask: func(ctx context.Context, taskType types.TaskDirectiveType, data interface{}, sourceGroup string, isMain bool) error {
			log.Logger.Info().Str("group_folder", sourceGroup).Str("task_type", string(taskType)).Msg("task directive drained (no task sink configured)")
			return nil
		},
		GetRegisteredGroups: func() map[string]types.RegisteredGroup {
			return registeredGroups
		},
	}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	metrics.RegisterComponent("ipc-watcher", true, "")
	metrics.RegisterComponent("container-runtime", true, "")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/healthz", metrics.HealthHandler())
		mux.Handle("/readyz", metrics.ReadyHandler())
		mux.Handle("/livez", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	watcher.Stop()
	scheduler.Shutdown(graceMs)

	return nil
}

// processGroupMessages is the default process_messages collaborator the
// scheduler falls back to for queued MessageCheck items: it runs one
// container turn for jid and reports whether the turn completed
// successfully. An unknown jid is treated as nothing-to-do rather than
// an error, since a group can be deregistered between enqueue and run.
func processGroupMessages(ctx context.Context, facade *orchestrator.Facade, groups map[string]types.RegisteredGroup, jid string) (bool, error) {
	var group types.RegisteredGroup
	found := false
	for _, g := range groups {
		if g.JID == jid {
			group = g
			found = true
			break
		}
	}
	if !found {
		return false, nil
	}

	out, err := facade.RunContainerAgent(ctx, group, types.ContainerInput{
		GroupFolder: group.Folder,
		ChatJID:     group.JID,
		IsMain:      group.IsMain,
	}, nil, nil, nil)
	if err != nil {
		return false, err
	}
	return out.Status == types.StatusSuccess, nil
}
