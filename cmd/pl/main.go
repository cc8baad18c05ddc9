package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"planline/internal/app"
	"planline/internal/config"
	"planline/internal/db"
	"planline/internal/domain"
	"planline/internal/governance"
	"planline/internal/migrate"
	"planline/internal/repo"
	"planline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Planline CLI",
	Long: `Planline governs a portfolio of work items against finite skill capacity.
Core concepts:
- Workspace: the .planline directory holding the sqlite database; configs are stored in the DB.
- Portfolio: the set of work items competing for the same capacity plan.
- Capacity plan: per-skill budget per period; demand is spread evenly over an item's duration.
- Lifecycle: items flow backlog -> ready -> planned -> in_progress -> review -> done, with blocked as a parking state.
- Governance: every transition, validation, schedule, and what-if is evaluated against capacity and dependency constraints and recorded in the decision log.
- What-if: compare a hypothetical set of changes against the current baseline without committing anything.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("PLANLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("portfolio", "", "portfolio id (overrides workspace default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("portfolio", rootCmd.PersistentFlags().Lookup("portfolio"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(portfolioCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(whatifCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var id, configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				if _, err := r.GetPortfolio(ctx, id); err == nil {
					return fmt.Errorf("portfolio %q already exists", id)
				} else if !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				if err := r.InsertPortfolio(ctx, domain.Portfolio{ID: id, Name: id, Status: "active", CreatedAt: now}); err != nil {
					return err
				}
				yamlCfg := config.GenerateDefault(id)
				if configPath != "" {
					data, err := os.ReadFile(configPath)
					if err != nil {
						return err
					}
					cfg, err := config.FromYAML(data)
					if err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return err
					}
					yamlCfg = string(data)
				}
				if err := r.UpsertPortfolioConfig(ctx, id, yamlCfg, now); err != nil {
					return err
				}
				fmt.Printf("Initialized portfolio %s in %s\n", id, db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "portfolio id")
	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config to import")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func portfolioCmd() *cobra.Command {
	p := &cobra.Command{Use: "portfolio", Short: "Manage portfolios"}
	p.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List portfolios",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPortfolios(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Show portfolio config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), r)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	})
	return p
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{
		Use:   "item",
		Short: "Manage work items",
	}
	item.AddCommand(itemAddCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemShowCmd())
	return item
}

func itemAddCmd() *cobra.Command {
	var id, title string
	var duration, priority int
	var dependsOn []string
	var demand []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			dm, err := parseDemand(demand)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				portfolioID, cfg, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), r)
				if err != nil {
					return err
				}
				if id == "" {
					id = uuid.New().String()
				}
				if duration < 1 {
					duration = 1
				}
				now := time.Now().UTC().Format(time.RFC3339)
				w := domain.WorkItem{
					ID:           id,
					PortfolioID:  portfolioID,
					Title:        title,
					State:        domain.StateBacklog,
					StateHistory: []string{domain.StateBacklog},
					Duration:     duration,
					DependsOn:    dependsOn,
					Demand:       dm,
					Priority:     priority,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				eng, err := app.BuildEngine(ctx, r, portfolioID, cfg)
				if err != nil {
					return err
				}
				if err := eng.Register(w); err != nil {
					return err
				}
				if err := r.InsertWorkItem(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated if empty)")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().IntVar(&duration, "duration", 1, "duration in periods")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (lower schedules first)")
	cmd.Flags().StringSliceVar(&dependsOn, "depends-on", nil, "dependency item ids")
	cmd.Flags().StringSliceVar(&demand, "demand", nil, "skill demand as skill=amount")
	return cmd
}

func itemListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				portfolioID, _, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), r)
				if err != nil {
					return err
				}
				items, err := r.ListWorkItems(ctx, portfolioID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "Start", "Dur", "Prio", "Deps"})
				for _, it := range items {
					start := "-"
					if it.StartPeriod != nil {
						start = fmt.Sprintf("%d", *it.StartPeriod)
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.State, start, it.Duration, it.Priority, strings.Join(it.DependsOn, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func itemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				it, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	return cmd
}

func transitionCmd() *cobra.Command {
	var to string
	var start, duration, priority int
	cmd := &cobra.Command{
		Use:   "transition <item-id>",
		Short: "Request a governed state transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				return fmt.Errorf("--to required")
			}
			patch := domain.ItemPatch{State: &to}
			if cmd.Flags().Changed("start") {
				patch.StartPeriod = &start
			}
			if cmd.Flags().Changed("duration") {
				patch.Duration = &duration
			}
			if cmd.Flags().Changed("priority") {
				patch.Priority = &priority
			}
			return withEngine(cmd.Context(), func(ctx context.Context, r repo.Repo, eng *governance.Engine) error {
				decision, err := eng.RequestTransition(ctx, governance.TransitionRequest{
					ItemID:  args[0],
					Patch:   patch,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if decision.Approved {
					for _, it := range eng.Items() {
						if it.ID == args[0] {
							if err := r.UpdateWorkItem(ctx, it); err != nil {
								return err
							}
							break
						}
					}
				}
				if viper.GetBool("json") {
					return printJSON(decision)
				}
				printDecision(decision)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().IntVar(&start, "start", 0, "start period")
	cmd.Flags().IntVar(&duration, "duration", 0, "duration in periods")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the portfolio and report health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, r repo.Repo, eng *governance.Engine) error {
				report, err := eng.ValidatePortfolio(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report)
				}
				printHealth(report)
				return nil
			})
		},
	}
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Auto-schedule unscheduled items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, r repo.Repo, eng *governance.Engine) error {
				result, err := eng.AutoSchedule(ctx, nil)
				if err != nil {
					return err
				}
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.SavePlacements(ctx, tx, result.Items, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				if result.Feasible {
					fmt.Println(color.New(color.FgGreen).Sprint("✓"), "schedule feasible")
				} else {
					fmt.Println(color.New(color.FgRed).Sprint("✗"), "schedule infeasible")
				}
				for _, v := range result.Violations {
					fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
				}
				for _, it := range result.Items {
					if it.StartPeriod != nil {
						fmt.Printf("  %s -> period %d (+%d)\n", it.ID, *it.StartPeriod, it.Duration)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func whatifCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "whatif",
		Short: "Compare a hypothetical change set against the baseline",
		Long:  "Reads a JSON array of scenario changes (ADD_ITEM, REMOVE_ITEM, MOVE_ITEM, RESIZE_ITEM, REPRIORITIZE, ADD_CAPACITY, REMOVE_CAPACITY) and reports the constraint delta without committing anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var changes []domain.ScenarioChange
			if err := json.Unmarshal(data, &changes); err != nil {
				return fmt.Errorf("parse changes: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, r repo.Repo, eng *governance.Engine) error {
				result, err := eng.WhatIf(ctx, changes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				fmt.Printf("Utilization: %.2f -> %.2f (%+.2f)\n",
					result.Baseline.Utilization, result.Projected.Utilization, result.UtilizationDelta)
				if len(result.NewViolations) == 0 && len(result.ResolvedViolations) == 0 {
					fmt.Println("No constraint changes.")
					return nil
				}
				for _, v := range result.NewViolations {
					fmt.Println(color.New(color.FgRed).Sprint("+"), v.Code+":", v.Message)
				}
				for _, v := range result.ResolvedViolations {
					fmt.Println(color.New(color.FgGreen).Sprint("-"), v.Code+":", v.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON change list")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{Use: "plan", Short: "Inspect the capacity plan"}
	plan.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the projected capacity grid",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, r repo.Repo, eng *governance.Engine) error {
				report, err := eng.ValidatePortfolio(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(report.Scenario)
				}
				printGrid(report.Scenario)
				return nil
			})
		},
	})
	return plan
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the decision log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail governance decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				portfolioID, _, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), r)
				if err != nil {
					return err
				}
				entries, err := r.ListDecisions(ctx, portfolioID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, e := range entries {
					outcome := color.New(color.FgGreen).Sprint(e.Outcome)
					if e.Outcome == domain.OutcomeRejected {
						outcome = color.New(color.FgRed).Sprint(e.Outcome)
					}
					fmt.Printf("%s  %-20s %-12s %s (%dms)\n", e.TS, e.Action, e.ActorID, outcome, e.DurationMS)
					for _, v := range e.Violations {
						fmt.Printf("    [%s] %s: %s\n", v.Severity, v.Code, v.Message)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of decisions")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PLANLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PLANLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				DB:          conn,
				PortfolioID: viper.GetString("portfolio"),
				BasePath:    basePath,
				Auth:        authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Planline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header instead of a bearer token (dev only)")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, repo.Repo, *governance.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		portfolioID, cfg, err := app.ResolvePortfolioAndConfig(ctx, viper.GetString("portfolio"), r)
		if err != nil {
			return err
		}
		eng, err := app.BuildEngine(ctx, r, portfolioID, cfg)
		if err != nil {
			return err
		}
		return fn(ctx, r, eng)
	})
}

func parseDemand(pairs []string) (map[string]float64, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid demand %q, expected skill=amount", p)
		}
		var amount float64
		if _, err := fmt.Sscanf(v, "%g", &amount); err != nil {
			return nil, fmt.Errorf("invalid demand amount %q", v)
		}
		out[strings.TrimSpace(k)] = amount
	}
	return out, nil
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

func printDecision(d domain.GovernanceDecision) {
	if d.Approved {
		fmt.Println(color.New(color.FgGreen).Sprint("APPROVED"))
	} else {
		fmt.Println(color.New(color.FgRed).Sprint("REJECTED"))
	}
	for _, v := range d.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
	}
	for _, w := range d.Warnings {
		fmt.Printf("  warn %s: %s\n", w.Code, w.Message)
	}
	if d.Alternative != nil {
		fmt.Printf("  alternative: start period %d\n", d.Alternative.StartPeriod)
		for _, t := range d.Alternative.Tradeoffs {
			fmt.Printf("    %s\n", t)
		}
	}
}

func printHealth(report domain.PortfolioHealthReport) {
	scoreColor := color.New(color.FgGreen)
	switch {
	case report.Score < 50:
		scoreColor = color.New(color.FgRed)
	case report.Score < 80:
		scoreColor = color.New(color.FgYellow)
	}
	fmt.Printf("Health: %s\n", scoreColor.Sprintf("%d", report.Score))
	fmt.Printf("Utilization: %.2f\n", report.Scenario.Utilization)
	for _, v := range report.Violations {
		fmt.Printf("  [%s] %s: %s\n", v.Severity, v.Code, v.Message)
	}
	for _, w := range report.Warnings {
		fmt.Printf("  warn %s: %s\n", w.Code, w.Message)
	}
}

func printGrid(s domain.ProjectedScenario) {
	skillSet := map[string]bool{}
	for _, pc := range s.Grid {
		for skill := range pc.Capacity {
			skillSet[skill] = true
		}
		for skill := range pc.Allocated {
			skillSet[skill] = true
		}
	}
	skills := make([]string, 0, len(skillSet))
	for skill := range skillSet {
		skills = append(skills, skill)
	}
	sort.Strings(skills)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	header := table.Row{"Skill"}
	for _, pc := range s.Grid {
		header = append(header, fmt.Sprintf("P%d", pc.Period))
	}
	tw.AppendHeader(header)
	for _, skill := range skills {
		row := table.Row{skill}
		for _, pc := range s.Grid {
			row = append(row, fmt.Sprintf("%.0f/%.0f", pc.Allocated[skill], pc.Capacity[skill]))
		}
		tw.AppendRow(row)
	}
	tw.Render()
	fmt.Printf("Total demand %.0f / capacity %.0f (utilization %.2f)\n", s.TotalDemand, s.TotalCapacity, s.Utilization)
}
