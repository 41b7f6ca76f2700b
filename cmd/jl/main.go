package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jobline/internal/app"
	"jobline/internal/auth"
	"jobline/internal/config"
	"jobline/internal/db"
	"jobline/internal/domain"
	joblinesdk "jobline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "jl",
	Short: "Jobline CLI",
	Long: `Jobline runs asynchronous jobs for a fleet of services and moves domain events between them.
Core concepts:
- Job: a unit of work (noop, preprocess, index_dataset) that moves created -> running -> completed or failed.
- Polling: callers submit a job, get its id back at once and poll until it is terminal.
- Service token: a short-lived signed token every inter-service call carries.
- Domain event: an immutable record such as dataset.created published to a topic exchange.
- Bindings: routing patterns (dataset.*, job.#) that decide which events this service consumes.
- Delivery journal: the outcome of every publication, view with 'jl deliveries'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	config.Bind(viper.GetViper())
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("url", "", "API base url (defaults to http://<http.addr><http.base_path>)")
	rootCmd.PersistentFlags().String("service", "", "calling service name (defaults to service.name)")
	rootCmd.PersistentFlags().String("log-level", "", "log level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))
	_ = viper.BindPFlag("caller", rootCmd.PersistentFlags().Lookup("service"))
	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(deliveriesCmd())
	rootCmd.AddCommand(healthCmd())
}

func resolveConfig() (*config.Config, error) {
	return config.Resolve(viper.GetString("workspace"), viper.GetViper())
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and event consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := app.Build(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				_ = svc.Close(context.Background())
				return err
			}
			fmt.Printf("Serving Jobline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.HTTP.Addr, cfg.HTTP.BasePath, cfg.HTTP.BasePath)
			serveErr := svc.Serve(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return errors.Join(serveErr, svc.Close(closeCtx))
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides http.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides http.base_path)")
	cmd.Flags().String("broker", "", "broker driver: memory, amqp or kafka")
	_ = viper.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("http.base_path", cmd.Flags().Lookup("base-path"))
	_ = viper.BindPFlag("broker.driver", cmd.Flags().Lookup("broker"))
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage service config",
		Long:  "Config lives in jobline.yml inside the workspace. Every key can be overridden with a JOBLINE_ environment variable, e.g. JOBLINE_BROKER_URL.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var name string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default jobline.yml with a fresh signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			secret, err := randomSecret()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(name, secret)), 0o600); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"path": path, "service": name})
			}
			fmt.Printf("Wrote %s for service %q\n", path, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "jobline", "service name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show resolved config (secret redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Auth.Secret != "" {
				shown.Auth.Secret = "********"
			}
			return printJSON(shown)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := resolveConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{
		Use:   "token",
		Short: "Issue and inspect service tokens",
	}
	tok.AddCommand(tokenIssueCmd())
	tok.AddCommand(tokenValidateCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a service token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TTL
			}
			st, err := auth.NewIssuer(authConfig(cfg)).Issue(callerName(cfg), ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Println(st.Token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.ttl)")
	return cmd
}

func tokenValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <token>",
		Short: "Validate a service token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			token := args[0]
			if t, ok := auth.BearerToken(token); ok {
				token = t
			}
			claims, err := auth.NewValidator(authConfig(cfg)).Validate(token)
			if err != nil {
				return err
			}
			return printJSON(claims)
		},
	}
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Submit and track jobs",
		Long:  "Jobs run asynchronously on the server. Submit returns at once with the job id; use 'jl job await' or --wait to poll until it completes or fails.",
	}
	job.AddCommand(jobSubmitCmd())
	job.AddCommand(jobGetCmd())
	job.AddCommand(jobAwaitCmd())
	job.AddCommand(jobListCmd())
	return job
}

type submitFlags struct {
	id, kind, file, message, datasetID, reason string
	wait                                       bool
	interval, timeout                          time.Duration
}

func (f submitFlags) spec(stdin io.Reader) (domain.JobSpec, error) {
	if f.file != "" {
		var r io.Reader = stdin
		if f.file != "-" {
			fh, err := os.Open(f.file)
			if err != nil {
				return domain.JobSpec{}, err
			}
			defer fh.Close()
			r = fh
		}
		var spec domain.JobSpec
		if err := json.NewDecoder(r).Decode(&spec); err != nil {
			return domain.JobSpec{}, fmt.Errorf("decode spec: %w", err)
		}
		if spec.Kind == "" && f.kind != "" {
			spec.Kind = domain.JobKind(f.kind)
		}
		return spec, nil
	}
	spec := domain.JobSpec{Kind: domain.JobKind(f.kind)}
	switch spec.Kind {
	case domain.KindNoop:
		if f.message != "" {
			spec.Noop = &domain.NoopParams{Message: f.message}
		}
	case domain.KindIndexDataset:
		spec.IndexDataset = &domain.IndexDatasetParams{DatasetID: f.datasetID, Reason: f.reason}
	case domain.KindPreprocess:
		return spec, fmt.Errorf("--file required for preprocess jobs")
	}
	return spec, nil
}

func jobSubmitCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withClient(func(c *joblinesdk.Client, cfg *config.Config) error {
				ctx := cmd.Context()
				acc, err := c.SubmitJob(ctx, f.id, spec)
				if err != nil {
					return err
				}
				if !f.wait {
					return printJSONOrTable(acc)
				}
				job, err := c.Await(ctx, acc.JobID, pick(f.interval, cfg.Poll.Interval), pick(f.timeout, cfg.Poll.Timeout))
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().StringVar(&f.id, "id", "", "job id (optional idempotency key)")
	cmd.Flags().StringVar(&f.kind, "kind", "noop", "job kind: noop, preprocess, index_dataset")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "JSON job spec file ('-' for stdin)")
	cmd.Flags().StringVar(&f.message, "message", "", "noop message")
	cmd.Flags().StringVar(&f.datasetID, "dataset-id", "", "dataset to index")
	cmd.Flags().StringVar(&f.reason, "reason", "", "why the dataset is indexed")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "poll until the job is terminal")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "poll interval (defaults to poll.interval)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "poll timeout (defaults to poll.timeout)")
	return cmd
}

func jobGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show job status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *joblinesdk.Client, _ *config.Config) error {
				job, err := c.GetJob(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	return cmd
}

func jobAwaitCmd() *cobra.Command {
	var interval, timeout time.Duration
	cmd := &cobra.Command{
		Use:   "await <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *joblinesdk.Client, cfg *config.Config) error {
				job, err := c.Await(cmd.Context(), args[0], pick(interval, cfg.Poll.Interval), pick(timeout, cfg.Poll.Timeout))
				if err != nil {
					return err
				}
				return printJob(job)
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (defaults to poll.interval)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "poll timeout (defaults to poll.timeout)")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *joblinesdk.Client, _ *config.Config) error {
				items, err := c.ListJobs(cmd.Context(), domain.JobStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Message", "Updated"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.ID, j.Kind, j.Status, j.Message, j.UpdatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func eventCmd() *cobra.Command {
	evt := &cobra.Command{
		Use:   "event",
		Short: "Publish domain events",
	}
	evt.AddCommand(eventPublishCmd())
	return evt
}

func eventPublishCmd() *cobra.Command {
	var id, typ, aggregate, payload string
	var wait bool
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a domain event through the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if typ == "" {
				return fmt.Errorf("--type required")
			}
			evt := domain.DomainEvent{EventID: id, EventType: typ, AggregateID: aggregate}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload must be a JSON object")
				}
				evt.Payload = json.RawMessage(payload)
			}
			return withClient(func(c *joblinesdk.Client, _ *config.Config) error {
				out, err := c.PublishEvent(cmd.Context(), evt, wait)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "event id (generated when empty)")
	cmd.Flags().StringVar(&typ, "type", "", "event type, e.g. dataset.created")
	cmd.Flags().StringVar(&aggregate, "aggregate-id", "", "aggregate id")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for broker confirmation")
	return cmd
}

func deliveriesCmd() *cobra.Command {
	var evtType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "deliveries",
		Short: "Show the event delivery journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *joblinesdk.Client, _ *config.Config) error {
				items, err := c.Deliveries(cmd.Context(), evtType, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Event", "Type", "Aggregate", "Status", "Attempts", "Error"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.TS.Format(time.RFC3339), d.EventID, d.EventType, d.AggregateID, d.Status, d.Attempts, d.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&status, "status", "", "delivered or failed")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max entries")
	return cmd
}

func healthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(c *joblinesdk.Client, _ *config.Config) error {
				h, err := c.Health(cmd.Context())
				if err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	return cmd
}

func withClient(fn func(*joblinesdk.Client, *config.Config) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	base := viper.GetString("url")
	if base == "" {
		base = "http://" + cfg.HTTP.Addr + cfg.HTTP.BasePath
	}
	return fn(joblinesdk.New(base, callerName(cfg), auth.NewIssuer(authConfig(cfg))), cfg)
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{Secret: cfg.Auth.Secret, Algorithm: cfg.Auth.Algorithm}
}

func callerName(cfg *config.Config) string {
	if s := strings.TrimSpace(viper.GetString("caller")); s != "" {
		return s
	}
	return cfg.Service.Name
}

func pick(flag, fallback time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return fallback
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func printJob(j domain.Job) error {
	if viper.GetBool("json") {
		return printJSON(j)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"ID", j.ID})
	tw.AppendRow(table.Row{"Kind", j.Kind})
	tw.AppendRow(table.Row{"Status", j.Status})
	tw.AppendRow(table.Row{"Message", j.Message})
	if len(j.Result) > 0 {
		tw.AppendRow(table.Row{"Data", string(j.Result)})
	}
	if j.Error != "" {
		tw.AppendRow(table.Row{"Error", j.Error})
	}
	tw.AppendRow(table.Row{"Updated", j.UpdatedAt.Format(time.RFC3339)})
	tw.Render()
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
