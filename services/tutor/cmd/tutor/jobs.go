package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"amplified/pkg/domain"
	"amplified/pkg/queue"
	"amplified/services/tutor/internal/config"
)

var errNoSharedQueue = errors.New("jobs commands need redisAddr: without Redis the queue lives inside the serving process")

// requireSharedQueue rejects the in-memory queue, which a separate CLI
// process would see as empty.
func requireSharedQueue(cfg config.FileConfig) error {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errNoSharedQueue
	}
	return nil
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect and manage processing jobs",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List jobs, newest first",
				Action: jobsListCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Usage: "queued, running, completed, failed or canceled"},
					&cli.StringFlag{Name: "type", Usage: "transcribe, chunk_embed or generate_material"},
					&cli.StringFlag{Name: "session", Usage: "Only jobs for this session id"},
					&cli.IntFlag{Name: "limit", Value: 50},
				},
			},
			{
				Name:      "retry",
				Usage:     "Re-queue a failed or canceled job",
				ArgsUsage: "<job-id>",
				Action:    jobActionCommand("retry"),
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued or running job",
				ArgsUsage: "<job-id>",
				Action:    jobActionCommand("cancel"),
			},
			{
				Name:      "events",
				Usage:     "Print a job's status timeline",
				ArgsUsage: "<job-id>",
				Action:    jobEventsCommand,
			},
		},
	}
}

func jobsListCommand(c *cli.Context) error {
	filter := queue.Filter{SessionID: c.String("session"), Limit: c.Int("limit")}
	if s := c.String("status"); s != "" {
		status, err := domain.ParseJobStatus(s)
		if err != nil {
			return err
		}
		filter.Status = &status
	}
	if s := c.String("type"); s != "" {
		jobType, err := domain.ParseJobType(s)
		if err != nil {
			return err
		}
		filter.Type = &jobType
	}

	rt, err := setup(c, "tutor-cli", requireSharedQueue)
	if err != nil {
		return err
	}
	defer rt.Close()
	jobs, err := rt.app.ListJobs(c.Context, filter)
	if err != nil {
		return err
	}
	return printJSON(jobs)
}

func jobActionCommand(action string) cli.ActionFunc {
	return func(c *cli.Context) error {
		id := c.Args().First()
		if id == "" {
			return cli.Exit("job id required", 2)
		}
		rt, err := setup(c, "tutor-cli", requireSharedQueue)
		if err != nil {
			return err
		}
		defer rt.Close()

		var job domain.ProcessingJob
		switch action {
		case "retry":
			job, err = rt.app.RetryJob(c.Context, id)
		default:
			job, err = rt.app.CancelJob(c.Context, id)
		}
		if err != nil {
			return err
		}
		return printJSON(job)
	}
}

func jobEventsCommand(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return cli.Exit("job id required", 2)
	}
	rt, err := setup(c, "tutor-cli", requireSharedQueue)
	if err != nil {
		return err
	}
	defer rt.Close()
	evs, err := rt.app.JobEvents(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(evs)
}

func mediaCommand() *cli.Command {
	return &cli.Command{
		Name:  "media",
		Usage: "Manage lecture recordings in object storage",
		Subcommands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Upload a recording and print its storage reference",
				ArgsUsage: "<file>",
				Action:    mediaUploadCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Usage: "Object key (defaults to the file name)"},
				},
			},
		},
	}
}

func mediaUploadCommand(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return cli.Exit("file path required", 2)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	key := c.String("key")
	if key == "" {
		key = filepath.Base(path)
	}
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	rt, err := setup(c, "tutor-cli")
	if err != nil {
		return err
	}
	defer rt.Close()
	ref, err := rt.app.UploadMedia(c.Context, key, f, info.Size(), contentType)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, ref)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
