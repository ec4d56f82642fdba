package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/GopiR17/backstage-prod/internal/http"
	"github.com/GopiR17/backstage-prod/internal/log"
	internal_storage "github.com/GopiR17/backstage-prod/internal/storage"
	"github.com/GopiR17/backstage-prod/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [spec-json]",
		Short: "Create a new task (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			secrets, _ := cmd.Flags().GetString("secrets")
			createdBy, _ := cmd.Flags().GetString("created-by")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewTaskService(store, log.GetLogger())

			var secretsRaw json.RawMessage
			if secrets != "" {
				secretsRaw = json.RawMessage(secrets)
			}
			taskID, err := svc.CreateTask(json.RawMessage(args[0]), secretsRaw, createdBy)
			if err != nil {
				log.GetLogger().Errorf("Failed to create task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to create task: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(os.Stdout, "Created task %s\n", taskID)
		},
	}
	createCmd.Flags().String("secrets", "", "Secrets JSON, cleared when the task is claimed")
	createCmd.Flags().String("created-by", "", "Identity of the requester")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all tasks (CLI)",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			createdBy, _ := cmd.Flags().GetString("created-by")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewTaskService(store, log.GetLogger())

			tasks, err := svc.ListTasks(createdBy)
			if err != nil {
				log.GetLogger().Errorf("Failed to list tasks: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list tasks: %v\n", err)
				os.Exit(1)
			}
			if len(tasks) == 0 {
				fmt.Println("No tasks found.")
				return
			}
			for _, t := range tasks {
				fmt.Printf("- ID: %s, Status: %s, Created: %s", t.ID, t.Status, t.CreatedAt.Format(time.RFC3339))
				if t.CreatedBy != "" {
					fmt.Printf(", By: %s", t.CreatedBy)
				}
				fmt.Println()
			}
		},
	}
	listCmd.Flags().String("created-by", "", "Filter tasks by requester identity")

	getCmd := &cobra.Command{
		Use:   "get [task-id]",
		Short: "Show a task's full state (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewTaskService(store, log.GetLogger())

			task, err := svc.GetTask(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get task: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to get task: %v\n", err)
				os.Exit(1)
			}
			out, err := json.MarshalIndent(task, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to render task: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(out))
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events [task-id]",
		Short: "Show a task's event log (CLI)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			afterFlag, _ := cmd.Flags().GetInt64("after")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewTaskService(store, log.GetLogger())

			var after *int64
			if cmd.Flags().Changed("after") {
				after = &afterFlag
			}
			events, err := svc.ListEvents(args[0], after)
			if err != nil {
				log.GetLogger().Errorf("Failed to list events: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list events: %v\n", err)
				os.Exit(1)
			}
			if len(events) == 0 {
				fmt.Println("No events found.")
				return
			}
			for _, e := range events {
				fmt.Printf("[%d] %s %s %s\n", e.ID, e.CreatedAt.Format(time.RFC3339), e.Type, string(e.Body))
			}
		},
	}
	eventsCmd.Flags().Int64("after", 0, "Return events after this sequence number")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task queue HTTP API with the stale-task reaper",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			port, _ := cmd.Flags().GetString("port")
			staleTimeout, _ := cmd.Flags().GetDuration("stale-timeout")
			reapInterval, _ := cmd.Flags().GetDuration("reap-interval")

			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewTaskService(store, log.GetLogger())

			reaper := service.NewStaleTaskReaper(svc, log.GetLogger(), service.ReaperConfig{
				Timeout:  staleTimeout,
				Interval: reapInterval,
			})
			reaper.Start(cmd.Context())
			defer reaper.Stop()

			if err := http.StartServer(port, svc); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")
	serveCmd.Flags().Duration("stale-timeout", service.DefaultStaleTimeout, "Heartbeat age after which a task is stale")
	serveCmd.Flags().Duration("reap-interval", service.DefaultReapInterval, "How often to scan for stale tasks")

	rootCmd.AddCommand(createCmd, listCmd, getCmd, eventsCmd, serveCmd)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
		os.Exit(1)
	}
	return store
}
