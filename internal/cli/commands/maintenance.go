package commands

import (
	"fmt"
	"os"

	"feedAudit/internal/cli/ui"
	"feedAudit/internal/migrations"
	"feedAudit/internal/proxy"
	"feedAudit/internal/run"

	"github.com/spf13/cobra"
)

func NewMigrateCmd(env *Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Применить миграции схемы БД",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrations.Run(env.Cfg, env.Log.Logger)
		},
	}
}

func NewProxiesCmd(env *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Обслуживание пула прокси",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Сверить пул с адресами поставщика",
		RunE: func(cmd *cobra.Command, args []string) error {
			if env.Cfg.Proxy.InventoryToken == "" {
				return fmt.Errorf("не задан PROXY_INVENTORY_TOKEN")
			}
			conn, err := env.Conn()
			if err != nil {
				return err
			}

			inv := proxy.NewWebshareInventory(env.Cfg.Proxy.InventoryURL, env.Cfg.Proxy.InventoryToken)
			report, err := proxy.NewManager(conn, env.Log.Logger).ReconcileAgainstUpstream(cmd.Context(), inv)
			if err != nil {
				return err
			}
			ui.PrintSync(os.Stdout, report)
			return nil
		},
	})
	return cmd
}

func NewRunIDsCmd(env *Env) *cobra.Command {
	var from, to uint

	cmd := &cobra.Command{
		Use:   "runids",
		Short: "Обслуживание пула идентификаторов запусков",
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Добавить свободные идентификаторы в диапазоне",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == 0 || to < from {
				return fmt.Errorf("неверный диапазон %d..%d", from, to)
			}
			conn, err := env.Conn()
			if err != nil {
				return err
			}

			added, err := run.NewOrchestrator(conn, env.Log.Logger).SeedIDs(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, ui.ColorGreen+ui.IconCheckmark+" Добавлено идентификаторов: %d"+ui.ColorReset+"\n", added)
			return nil
		},
	}
	seed.Flags().UintVar(&from, "from", 0, "первый идентификатор")
	seed.Flags().UintVar(&to, "to", 0, "последний идентификатор")

	cmd.AddCommand(seed)
	return cmd
}
