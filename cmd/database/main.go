package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"gradsync/database"
	"gradsync/exchange"
	"gradsync/trainer"
	"gradsync/util"
)

func fail(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showCmd() *cobra.Command {
	var configPath, envFile string
	cmd := cobra.Command{
		Use:   "show",
		Short: "print every rank's checkpointed progress and whether the ranks agree",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := util.LoadWorkerConfig(configPath, envFile)
			fail(err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			ledger, err := trainer.OpenLedger(ctx, cfg.Ledger, exchange.NewOsNamespace(cfg.NamespaceRoot))
			fail(err)
			if ledger == nil {
				fail(fmt.Errorf("no ledger configured in %s", configPath))
			}
			defer ledger.Close()

			records, err := ledger.All(ctx)
			fail(err)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tEPOCH\tSTEP\tUPDATED")
			for _, p := range records {
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", p.Rank, p.Epoch, p.GlobalStep, p.UpdatedAt.Format(time.RFC3339))
			}
			w.Flush()

			if err := database.CheckConsistent(records, cfg.WorldSize); err != nil {
				fmt.Println(err)
				os.Exit(2)
			}
			fmt.Println("consistent")
		},
	}
	cmd.Flags().StringVar(&configPath, "config", util.GetConfigPath(util.WorkerConfigName(0)), "any worker config of the job")
	cmd.Flags().StringVar(&envFile, "env", ".env", "optional file of environment overrides")
	return &cmd
}

func initDynamoCmd() *cobra.Command {
	var region, endpoint, table string
	cmd := cobra.Command{
		Use:   "init-dynamo",
		Short: "create the DynamoDB progress table",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			svc, err := database.GetDynamoClient(ctx, region, endpoint)
			fail(err)
			fail(database.CreateTable(ctx, svc, table))
			fmt.Printf("created table %s\n", table)
		},
	}
	cmd.Flags().StringVar(&region, "region", database.DEFAULT_REGION, "AWS region")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "DynamoDB Local URL, e.g. http://localhost:8000")
	cmd.Flags().StringVar(&table, "table", database.DEFAULT_TABLE, "table name")
	return &cmd
}

func main() {
	root := &cobra.Command{
		Use:   "database",
		Short: "inspect the cross-rank progress ledger",
	}
	root.AddCommand(showCmd(), initDynamoCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
