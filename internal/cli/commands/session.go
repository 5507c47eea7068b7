package commands

import (
	"fmt"
	"os"

	"feedAudit/internal/browser"
	"feedAudit/internal/cli/ui"
	"feedAudit/internal/config"
	"feedAudit/internal/database"
	"feedAudit/internal/feed"
	"feedAudit/internal/llm"
	"feedAudit/internal/logger"
	"feedAudit/internal/pipeline"
	"feedAudit/internal/proxy"
	"feedAudit/internal/run"
	"feedAudit/internal/verification"

	"github.com/spf13/cobra"
)

// NewSessionCmd - сессия одного участника. Запускается планировщиком как отдельный процесс.
func NewSessionCmd(env *Env) *cobra.Command {
	var (
		runID         uint
		participantID int
		planPath      string
	)

	cmd := &cobra.Command{
		Use:    "session",
		Short:  "Провести сессию одного участника",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := env.Cfg

			plan, err := config.LoadPlan(planPath)
			if err != nil {
				return err
			}
			participant, ok := plan.Participant(participantID)
			if !ok {
				return fmt.Errorf("участник %d отсутствует в плане %s", participantID, planPath)
			}

			if cfg.Logger.Dir != "" {
				log, err := logger.NewWithFile(cfg.Logger.Env, cfg.Logger.Level, logger.File{
					Path: logger.SessionFile(cfg.Logger.Dir, runID, participantID),
				})
				if err != nil {
					return err
				}
				env.UseLogger(log)
			}
			log := env.Log.Logger

			conn, err := env.Conn()
			if err != nil {
				return err
			}
			store := database.NewStore(conn, log)

			br := browser.New(browser.Config{
				Headless:        cfg.Browser.Headless,
				UserDataDir:     cfg.Browser.UserDataDir,
				BrowsersPath:    cfg.Browser.BrowsersPath,
				Display:         cfg.Browser.Display,
				Engine:          cfg.Browser.Engine,
				Timeout:         cfg.Browser.Timeout,
				NavigateTimeout: cfg.Browser.NavigateTimeout,
				ExtraArgs:       cfg.Browser.ExtraArgs,
			})

			codes := verification.NewGuard(
				verification.NewPromptSource(os.Stdin, os.Stdout),
				store,
				participant.Phone,
				verification.Options{PollInterval: cfg.Verification.PollInterval, MaxPolls: cfg.Verification.MaxPolls},
				log,
			)

			deps := pipeline.Deps{
				Browser: br,
				Feed:    feed.NewPlaywrightFeed(br.Page, cfg.Browser.Timeout),
				Proxies: proxy.NewManager(conn, log),
				Runs:    run.NewOrchestrator(conn, log),
				Store:   store,
				Codes:   codes,
			}
			if cfg.OpenAI.KeyAI != "" {
				client := llm.NewClientWithRateLimit(cfg.OpenAI.KeyAI, cfg.OpenAI.Model, cfg.OpenAI.MaxTokens, cfg.OpenAI.RequestsPerMinute, 0, log)
				deps.Detector = browser.NewLLMPopupDetector(client)
			}

			report, err := pipeline.NewRunner(deps, pipeline.OptionsFrom(cfg), log).Run(ctx, pipeline.Task{
				RunID:       runID,
				Batches:     plan.NumberOfBatches,
				Participant: participant,
			})
			if err != nil {
				return err
			}

			ui.PrintReport(os.Stdout, participantID, report)
			return nil
		},
	}

	cmd.Flags().UintVar(&runID, "run", 0, "идентификатор запуска")
	cmd.Flags().IntVar(&participantID, "participant", 0, "идентификатор участника")
	cmd.Flags().StringVar(&planPath, "plan", "", "путь к плану запуска")
	_ = cmd.MarkFlagRequired("run")
	_ = cmd.MarkFlagRequired("participant")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}
