// Package cli собирает команды бинарника: запуск, сессия участника и обслуживание.
package cli

import (
	"context"
	"fmt"
	"os"

	"feedAudit/internal/cli/commands"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func NewRootCmd(env *commands.Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "feed-audit",
		Short:         "Аудит рекомендательной ленты контролируемыми участниками",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.Init()
		},
	}

	root.AddCommand(
		commands.NewRunCmd(env),
		commands.NewSessionCmd(env),
		commands.NewMigrateCmd(env),
		commands.NewProxiesCmd(env),
		commands.NewRunIDsCmd(env),
	)
	return root
}

// Execute исполняет команду и закрывает ресурсы процесса.
func Execute(ctx context.Context) error {
	env := &commands.Env{}
	defer env.Close()

	err := NewRootCmd(env).ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if env.Log != nil && ctx.Err() == nil {
		env.Log.Error("Команда завершилась с ошибкой", zap.Error(err))
	} else {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
	}
	return err
}
