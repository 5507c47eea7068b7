package run

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task - одна сессия участника, исполняемая отдельным процессом.
type Task struct {
	RunID         uint
	ParticipantID int
}

type Result struct {
	Task     Task
	Err      error
	Duration time.Duration
}

// Command строит процесс для задачи. Процесс сам поднимает браузер, БД и прокси.
type Command func(ctx context.Context, task Task) *exec.Cmd

// SelfCommand перезапускает текущий бинарник подкомандой session.
func SelfCommand(planPath string) (Command, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("путь к исполняемому файлу: %w", err)
	}

	return func(ctx context.Context, task Task) *exec.Cmd {
		cmd := exec.CommandContext(ctx, exe, "session",
			"--run", strconv.FormatUint(uint64(task.RunID), 10),
			"--participant", strconv.Itoa(task.ParticipantID),
			"--plan", planPath,
		)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd
	}, nil
}

// Scheduler запускает сессии параллельно, по процессу на участника, и ждёт их завершения.
type Scheduler struct {
	command     Command
	parallelism int
	log         *zap.Logger
}

func NewScheduler(command Command, parallelism int, log *zap.Logger) *Scheduler {
	if parallelism <= 0 {
		parallelism = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{command: command, parallelism: parallelism, log: log}
}

// Run возвращает результаты в порядке задач. Ошибка одной сессии не останавливает остальные.
func (s *Scheduler) Run(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(s.parallelism)

	for i, task := range tasks {
		g.Go(func() error {
			results[i] = s.runOne(ctx, task)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *Scheduler) runOne(ctx context.Context, task Task) Result {
	log := s.log.With(zap.Uint("run_id", task.RunID), zap.Int("participant_id", task.ParticipantID))
	log.Info("Сессия запущена")

	started := time.Now()
	err := s.command(ctx, task).Run()
	res := Result{Task: task, Err: err, Duration: time.Since(started)}

	if err != nil {
		log.Error("Сессия завершилась с ошибкой", zap.Duration("elapsed", res.Duration), zap.Error(err))
		return res
	}
	log.Info("Сессия завершена", zap.Duration("elapsed", res.Duration))
	return res
}
