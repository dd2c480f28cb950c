package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/danferreira/gswarm/internal/index"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Padding(0, 1)
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List indexed objects and their download state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}

			x, err := index.Open(c.IndexDir())
			if err != nil {
				return err
			}
			defer x.Close()

			records, err := x.List()
			if err != nil {
				return err
			}

			if len(records) == 0 {
				fmt.Println("no objects")
				return nil
			}

			fmt.Println(renderRecords(records))
			return nil
		},
	}
}

func renderRecords(records []index.Record) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "Name", "Size", "Progress", "Priority", "Status").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 5 && records[row].Status == index.Failed {
				return failedStyle
			}
			return cellStyle
		})

	for _, r := range records {
		t.Row(r.ID, r.Name, formatSize(r.Size), progress(r.Received, r.Size), fmt.Sprint(r.Priority), r.Status.String())
	}

	return t.Render()
}

func progress(received, size int64) string {
	if size <= 0 {
		return "-"
	}
	return fmt.Sprintf("%5.1f%%", float64(received)/float64(size)*100)
}

func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
