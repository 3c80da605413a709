package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"zapdesk/pkg/config"
	"zapdesk/pkg/menu"
	"zapdesk/pkg/store"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the department menu",
	Long:  "Writes the department menu and prompts into an empty store. Uses --file, then menu.seed_path from config, then the built-in SAC/Financeiro/Vendas menu.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		path := cfg.Menu.SeedPath
		if seedFile != "" {
			path = seedFile
		}

		st, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			fmt.Printf("failed to open store: %v\n", err)
			return
		}
		defer st.Close()

		created, err := seedStore(cmd.Context(), st, path)
		if err != nil {
			fmt.Printf("failed to seed menu: %v\n", err)
			return
		}
		fmt.Println(seedSummary(created))
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "YAML menu seed file")
}

func seedStore(ctx context.Context, st store.Store, path string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	seed, err := loadMenuSeed(path)
	if err != nil {
		return 0, err
	}
	return menu.Apply(ctx, st, seed)
}

func seedSummary(created int) string {
	if created == 0 {
		return "menu already seeded, nothing to do"
	}
	return fmt.Sprintf("seeded %d menu options", created)
}
