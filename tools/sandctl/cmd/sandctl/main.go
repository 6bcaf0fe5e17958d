package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/whale-net/sandman/host/core"
	"github.com/whale-net/sandman/tools/sandctl"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:          "sandctl",
		Short:        "Command-line client for the sandman execution host",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", defaultAddr(),
		"Host address (also SANDMAN_ADDR)")

	root.AddCommand(
		newStatusCmd(),
		newSessionsCmd(),
		newCreateCmd(),
		newDestroyCmd(),
		newExecCmd(),
		newFilesCmd(),
		newPutCmd(),
		newGetCmd(),
		newRmCmd(),
		newAdminCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultAddr() string {
	if v := os.Getenv("SANDMAN_ADDR"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func client() *sandctl.Client {
	return sandctl.NewClient(addr)
}

func newStatusCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the host's container and session status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			if watch {
				return client().WatchStatus(ctx, func(st *core.SystemStatus) {
					fmt.Printf("[%s] containers: %d idle, %d busy, %d warming | sessions: %d active, %d queued\n",
						st.Timestamp.Local().Format("15:04:05"),
						st.Idle, st.Busy, st.Warming, st.ActiveSessions, st.QueuedSessions)
				})
			}

			st, err := client().Status(ctx)
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Follow the status stream")
	return cmd
}

func printStatus(st *core.SystemStatus) {
	fmt.Printf("Image:      %s\n", st.Image)
	fmt.Printf("Containers: %d total (%d idle, %d busy, %d warming, %d destroying), max %d, prewarm %d\n",
		st.TotalContainers, st.Idle, st.Busy, st.Warming, st.Destroying,
		st.MaxContainers, st.PrewarmCount)
	fmt.Printf("Sessions:   %d active, %d queued\n", st.ActiveSessions, st.QueuedSessions)

	if len(st.Containers) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("%-14s %-12s %-38s %s\n", "CONTAINER", "STATUS", "SESSION", "AGE")
	for _, c := range st.Containers {
		fmt.Printf("%-14s %-12s %-38s %s\n",
			shortID(c.ContainerID), c.Status, dash(c.SessionID), age(c.CreatedAt))
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List all sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := client().Sessions(context.Background())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions")
				return nil
			}

			fmt.Printf("%-38s %-12s %-10s %-6s %-14s %-9s %s\n",
				"SESSION", "NAME", "STATUS", "QUEUE", "CONTAINER", "COMMANDS", "AGE")
			for _, s := range sessions {
				queue := "-"
				if s.Status == core.SessionQueued {
					queue = fmt.Sprintf("%d", s.QueuePosition)
				}
				fmt.Printf("%-38s %-12s %-10s %-6s %-14s %-9d %s\n",
					s.SessionID, dash(s.Name), s.Status, queue,
					dash(shortID(s.ContainerID)), s.CommandCount, age(s.CreatedAt))
			}
			return nil
		},
	}
}

func newCreateCmd() *cobra.Command {
	var timeoutSeconds int

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			sess, err := client().CreateSession(context.Background(), name, timeoutSeconds)
			if err != nil {
				return err
			}
			if sess.Status == core.SessionQueued {
				fmt.Printf("%s (queued at position %d)\n", sess.SessionID, sess.QueuePosition)
				return nil
			}
			fmt.Println(sess.SessionID)
			return nil
		},
	}

	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Idle timeout override in seconds")
	return cmd
}

func newDestroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <session-id>",
		Short: "Destroy a session and release its container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DestroySession(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Destroyed %s\n", args[0])
			return nil
		},
	}
}

func newExecCmd() *cobra.Command {
	var (
		stream         bool
		workdir        string
		timeoutSeconds int
	)

	cmd := &cobra.Command{
		Use:   "exec <session-id> <command...>",
		Short: "Run a command in a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			req := sandctl.ExecRequest{
				Command:          strings.Join(args[1:], " "),
				WorkingDirectory: workdir,
				TimeoutSeconds:   timeoutSeconds,
			}

			if stream {
				exitCode := 0
				err := client().ExecStream(ctx, args[0], req, sandctl.StreamHandler{
					OnStdout: func(data string) { fmt.Fprint(os.Stdout, data) },
					OnStderr: func(data string) { fmt.Fprint(os.Stderr, data) },
					OnExit:   func(code int, _ int64) { exitCode = code },
				})
				if err != nil {
					return err
				}
				if exitCode != 0 {
					os.Exit(exitCode)
				}
				return nil
			}

			res, err := client().Exec(ctx, args[0], req)
			if res != nil {
				fmt.Fprint(os.Stdout, res.Stdout)
				fmt.Fprint(os.Stderr, res.Stderr)
			}
			if err != nil {
				return err
			}
			if res.ExitCode != 0 {
				os.Exit(res.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "Stream output as it is produced")
	cmd.Flags().StringVar(&workdir, "workdir", "", "Working directory for the command")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Command timeout in seconds")
	return cmd
}

func newFilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "files <session-id> [path]",
		Short: "List files in the session's container",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dirPath string
			if len(args) > 1 {
				dirPath = args[1]
			}

			listing, err := client().ListFiles(context.Background(), args[0], dirPath)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d entries\n", listing.Path, listing.TotalCount)
			for _, e := range listing.Entries {
				name := e.Name
				size := units.HumanSize(float64(e.Size))
				if e.IsDirectory {
					name += "/"
					size = "-"
				}
				modified := ""
				if e.ModifiedAt != nil {
					modified = age(*e.ModifiedAt)
				}
				fmt.Printf("%10s  %-12s %s\n", size, modified, name)
			}
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <session-id> <local-file> [remote-path]",
		Short: "Upload a local file into the session's container",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := path.Base(args[1])
			if len(args) > 2 {
				remote = args[2]
			}

			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			result, err := client().Upload(context.Background(), args[0], remote, f)
			if err != nil {
				return err
			}
			fmt.Printf("Uploaded %s (%s)\n", result.FilePath, units.HumanSize(float64(result.Size)))
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-id> <remote-path> [local-file]",
		Short: "Download a file from the session's container ('-' for stdout)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := client().Download(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}

			local := path.Base(args[1])
			if len(args) > 2 {
				local = args[2]
			}
			if local == "-" {
				_, err := os.Stdout.Write(data)
				return err
			}

			if err := os.WriteFile(local, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Downloaded %s (%s)\n", local, units.HumanSize(float64(len(data))))
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <session-id> <remote-path>",
		Short: "Delete a file in the session's container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteFile(context.Background(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[1])
			return nil
		},
	}
}

func newAdminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Host administration commands",
	}

	admin.AddCommand(&cobra.Command{
		Use:   "prewarm",
		Short: "Top the pool back up to its warm reserve target",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client().Prewarm(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Pool prewarmed: %d idle, %d warming of target %d\n",
				st.Idle, st.Warming, st.PrewarmCount)
			return nil
		},
	})

	admin.AddCommand(&cobra.Command{
		Use:   "containers",
		Short: "List every managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			containers, err := client().Containers(context.Background())
			if err != nil {
				return err
			}
			if len(containers) == 0 {
				fmt.Println("No containers")
				return nil
			}

			fmt.Printf("%-14s %-22s %-12s %-38s %s\n", "CONTAINER", "NAME", "STATUS", "SESSION", "AGE")
			for _, c := range containers {
				fmt.Printf("%-14s %-22s %-12s %-38s %s\n",
					shortID(c.ContainerID), c.Name, c.Status, dash(c.SessionID), age(c.CreatedAt))
			}
			return nil
		},
	})

	admin.AddCommand(&cobra.Command{
		Use:   "create-container",
		Short: "Warm one container on demand",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client().CreateContainer(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Created %s (%s)\n", shortID(c.ContainerID), c.Status)
			return nil
		},
	})

	admin.AddCommand(&cobra.Command{
		Use:   "delete-container <container-id>",
		Short: "Force-remove one container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().DeleteContainer(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", shortID(args[0]))
			return nil
		},
	})

	admin.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Force-remove every managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := client().DeleteAllContainers(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d containers\n", removed)
			return nil
		},
	})

	return admin
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	return units.HumanDuration(time.Since(t)) + " ago"
}
