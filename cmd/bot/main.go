package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"legendalf/internal/app"
	"legendalf/internal/schedule"
	logx "legendalf/pkg/logx"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config, c",
		Value:  "./config.json",
		Usage:  "path to config file (json or yaml)",
		EnvVar: "LEGENDALF_CONFIG",
	}
	legacyFlag = cli.StringFlag{
		Name:  "legacy",
		Usage: "legacy users.json to import (default: legacy.path from config)",
	}
	forceFlag = cli.BoolFlag{
		Name:  "force",
		Usage: "re-run the import even if it already completed",
	}
	chatFlag = cli.Int64Flag{
		Name:  "chat",
		Usage: "chat id to list (0 lists every chat)",
	}
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cliApp := cli.NewApp()
	cliApp.Name = "legendalf"
	cliApp.HelpName = "bot"
	cliApp.Usage = "scheduled broadcasts for telegram chats"
	cliApp.UsageText = "bot <command> [arguments...]"
	cliApp.HideVersion = true
	cliApp.Flags = []cli.Flag{configFlag}
	cliApp.Action = run
	cliApp.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the bot (default)",
			Flags:  []cli.Flag{configFlag},
			Action: run,
		},
		{
			Name:   "migrate",
			Usage:  "import the legacy users.json once and exit",
			Flags:  []cli.Flag{configFlag, legacyFlag, forceFlag},
			Action: migrate,
		},
		{
			Name:    "schedules",
			Aliases: []string{"ls"},
			Usage:   "list stored schedules",
			Flags:   []cli.Flag{configFlag, chatFlag},
			Action:  schedules,
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	a, err := app.NewApp(c.String("config"))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func migrate(c *cli.Context) error {
	log := logx.NewConsole("INFO")
	res, err := app.Migrate(context.Background(), c.String("config"), c.String("legacy"), c.Bool("force"), log)
	if err != nil {
		return err
	}
	switch {
	case res.AlreadyDone:
		fmt.Println("legacy import already done (use --force to re-run)")
	case res.NoFile:
		fmt.Println("legacy file not found, nothing imported")
	default:
		fmt.Printf("imported %d schedules, %d grants (%d already present)\n", res.Schedules, res.Grants, res.Existing)
	}
	return nil
}

func schedules(c *cli.Context) error {
	list, err := app.ListSchedules(context.Background(), c.String("config"), c.Int64("chat"), logx.NewConsole("WARN"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHAT\tRULE\tPAYLOAD\tNEXT\tSTATE")
	for _, sc := range list {
		next := "-"
		if !sc.NextFireAt.IsZero() {
			next = sc.NextFireAt.Format(time.RFC3339)
		}
		state := "on"
		if !sc.Enabled {
			state = "off"
			if sc.DisabledReason != "" {
				state += " (" + sc.DisabledReason + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			sc.ID, strconv.FormatInt(sc.ChatID, 10), schedule.Describe(sc.Kind, sc.Params), sc.Payload.Type, next, state)
	}
	return w.Flush()
}
