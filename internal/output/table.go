// Package output renders statistics for the CLI.
package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// FormatStatisticsTable renders endpoint statistics as an ASCII table.
func FormatStatisticsTable(stats []core.EndpointStatistics) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Endpoint", "Total", "Success", "Failed", "Rate Limited", "Avg ms", "Last Request"})

	var total, success, failed, rateLimited int64
	for _, row := range stats {
		t.AppendRow(table.Row{
			row.URL,
			row.TotalRequests,
			row.SuccessfulRequests,
			row.FailedRequests,
			row.RateLimitedRequests,
			fmt.Sprintf("%.1f", row.AvgResponseTimeMs),
			formatLastRequest(row.LastRequestAt),
		})
		total += row.TotalRequests
		success += row.SuccessfulRequests
		failed += row.FailedRequests
		rateLimited += row.RateLimitedRequests
	}

	if len(stats) > 0 {
		t.AppendFooter(table.Row{"", total, success, failed, rateLimited, "", ""})
	}

	return t.Render()
}

func formatLastRequest(at *time.Time) string {
	if at == nil {
		return "never"
	}
	return at.UTC().Format(time.RFC3339)
}
