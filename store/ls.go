package store

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var LsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent sessions",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		if err := listSessions(cmd, limit); err != nil {
			log.Fatal("Failed to list sessions", "error", err)
		}
	},
}

func init() {
	LsCmd.Flags().IntP("limit", "n", 20, "Number of sessions to show")
}

func listSessions(cmd *cobra.Command, limit int) error {
	url := viper.GetString("postgres_url")
	if url == "" {
		return fmt.Errorf("postgres_url is not configured")
	}

	st, err := Open(cmd.Context(), url, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	sums, err := st.Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Started At", "Language", "Duration", "Chunks", "Error"})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, sum := range sums {
		table.Append([]string{
			sum.ID[:8],
			sum.StartedAt.Format("2006-01-02 15:04:05"),
			sum.TargetLanguage,
			sum.EndedAt.Sub(sum.StartedAt).Round(10 * time.Millisecond).String(),
			fmt.Sprintf("%d", sum.Chunks),
			sum.Error,
		})
	}

	table.Render()
	return nil
}
