package commands

import (
	"fmt"
	"os"

	"feedAudit/internal/cli/ui"
	"feedAudit/internal/config"
	"feedAudit/internal/run"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewRunCmd(env *Env) *cobra.Command {
	var (
		planPath    string
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Создать запуск и провести сессии всех участников плана",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if planPath == "" {
				planPath = env.Cfg.Session.PlanPath
			}
			if parallelism <= 0 {
				parallelism = env.Cfg.Session.Parallelism
			}

			plan, err := config.LoadPlan(planPath)
			if err != nil {
				return err
			}

			conn, err := env.Conn()
			if err != nil {
				return err
			}

			participants := make([]run.Participant, 0, len(plan.Participants))
			for _, p := range plan.Participants {
				participants = append(participants, run.Participant{ID: p.ID, Country: p.Country, Locale: p.Locale})
			}

			runID, err := run.NewOrchestrator(conn, env.Log.Logger).BeginRun(ctx, participants)
			if err != nil {
				return err
			}

			command, err := run.SelfCommand(planPath)
			if err != nil {
				return err
			}

			tasks := make([]run.Task, 0, len(participants))
			for _, p := range participants {
				tasks = append(tasks, run.Task{RunID: runID, ParticipantID: p.ID})
			}

			env.Log.Info("Запуск начат",
				zap.Uint("run_id", runID),
				zap.Int("participants", len(tasks)),
				zap.Int("parallelism", parallelism),
			)
			results := run.NewScheduler(command, parallelism, env.Log.Logger).Run(ctx, tasks)

			failed := ui.PrintResults(os.Stdout, runID, results)
			if failed > 0 {
				return fmt.Errorf("запуск %d: %d из %d сессий завершились с ошибкой", runID, failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planPath, "plan", "", "путь к плану запуска (по умолчанию SESSION_PLAN)")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "число одновременных сессий (по умолчанию SESSION_PARALLELISM)")
	return cmd
}
