package output

import (
	"encoding/json"
	"fmt"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// FormatStatisticsJSON renders endpoint statistics as indented JSON.
func FormatStatisticsJSON(stats []core.EndpointStatistics) (string, error) {
	rendered, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal statistics: %w", err)
	}
	return string(rendered), nil
}
